package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EventType mirrors internal/events.Type without importing internal/.
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskStateChanged EventType = "task_state_changed"
	EventQueueSnapshot    EventType = "queue_snapshot"
)

// Event is one decoded SSE message from the admission API's /events
// stream.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Raw       json.RawMessage `json:"-"`
}

// Subscribe opens the /events SSE stream and returns a channel of
// decoded events. The channel closes when ctx is cancelled or the
// connection drops; callers that want reconnection should call
// Subscribe again.
func (c *Client) Subscribe(ctx context.Context) (<-chan *Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.opts.applyHeaders(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("client: subscribe: unexpected status %d", resp.StatusCode)
	}

	out := make(chan *Event, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var data strings.Builder
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data: "):
				data.WriteString(strings.TrimPrefix(line, "data: "))
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var event Event
				raw := []byte(data.String())
				if err := json.Unmarshal(raw, &event); err == nil {
					event.Raw = raw
					select {
					case out <- &event:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			}
		}
	}()

	return out, nil
}
