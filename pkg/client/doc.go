// Package client provides a minimal Go SDK for the task admission API:
// typed methods for submitting, fetching, deleting, and retrying tasks,
// plus a Subscribe method for the /events SSE stream.
//
// # Basic Usage
//
//	c := client.New("http://localhost:8080")
//
//	id, err := c.SubmitTask(ctx, client.CreateTaskRequest{
//	    Kind:    "summarize",
//	    Content: "some long document text",
//	})
//
// # Events
//
//	events, err := c.Subscribe(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for event := range events {
//	    fmt.Printf("event: %s\n", event.Type)
//	}
//
// # Configuration
//
//	c := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30*time.Second),
//	)
package client
