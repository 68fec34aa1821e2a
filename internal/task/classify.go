package task

import "strings"

// ErrorKind is the top-level bucket a classified error falls into.
type ErrorKind string

const (
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindPermanent  ErrorKind = "permanent"
	ErrorKindDependency ErrorKind = "dependency"
)

// SubKind narrows a Kind down to the specific failure signature used to
// pick a backoff schedule.
type SubKind string

const (
	SubRateLimited       SubKind = "rate_limited"
	SubCreditsExhausted  SubKind = "credits_exhausted"
	SubServiceUnavailable SubKind = "service_unavailable"
	SubNetworkTimeout    SubKind = "network_timeout"
	SubAPIKeyInvalid     SubKind = "api_key_invalid"
	SubBadRequest        SubKind = "bad_request"
	SubJSONParse         SubKind = "json_parse"
	SubMissingDependency SubKind = "missing_dependency"
	SubUnknown           SubKind = "unknown"
)

// dependencyPatterns flags errors caused by the worker's own runtime
// environment rather than the call it was making: a missing binary, an
// unset env var, a broken local Redis connection. These are never the
// remote provider's fault and are never worth a long backoff, so they are
// classified separately from both transient and permanent provider errors.
var dependencyPatterns = []string{
	"poppler installed and in path",
	"command not found",
	"no such file or directory",
	"permission denied",
	"module not found",
	"import error",
	"library not found",
	"missing dependency",
	"environment variable not set",
	"configuration error",
	"invalid configuration",
	"database connection failed",
	"redis connection failed",
}

// permanentPatterns flags errors that will never succeed on retry
// regardless of backoff: bad input, bad credentials, content the provider
// will never accept.
var permanentPatterns = []string{
	"invalid api key",
	"authentication failed",
	"unauthorized",
	"forbidden",
	"not found",
	"bad request",
	"invalid request",
	"malformed",
	"syntax error",
	"parse error",
	"invalid format",
	"unsupported format",
	"file too large",
	"quota exceeded",
	"limit exceeded",
}

// statusTable maps an HTTP status code a provider handler surfaced to a
// (Kind, SubKind) pair when no pattern above already decided it.
var statusTable = map[int]struct {
	kind ErrorKind
	sub  SubKind
}{
	400: {ErrorKindPermanent, SubBadRequest},
	401: {ErrorKindPermanent, SubAPIKeyInvalid},
	403: {ErrorKindPermanent, SubAPIKeyInvalid},
	404: {ErrorKindPermanent, SubBadRequest},
	402: {ErrorKindTransient, SubCreditsExhausted},
	429: {ErrorKindTransient, SubRateLimited},
	500: {ErrorKindTransient, SubNetworkTimeout},
	503: {ErrorKindTransient, SubServiceUnavailable},
}

// Classified is the result of running ClassifyError over a handler error.
type Classified struct {
	Kind ErrorKind
	Sub  SubKind
}

// ClassifyError decides the kind and sub-kind of a handler failure. The
// decision order is: dependency patterns first (these take priority over
// everything since they mean the attempt never reached the provider),
// then permanent patterns, then the JSON-parse patterns, then an HTTP
// status code table, and finally a
// transient/unknown default. statusCode may be zero when the error never
// produced one (a parse failure, a context cancellation).
func ClassifyError(err error, statusCode int) Classified {
	if err == nil {
		return Classified{Kind: ErrorKindTransient, Sub: SubUnknown}
	}
	msg := strings.ToLower(err.Error())

	for _, p := range dependencyPatterns {
		if strings.Contains(msg, p) {
			return Classified{Kind: ErrorKindDependency, Sub: SubMissingDependency}
		}
	}

	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return Classified{Kind: ErrorKindPermanent, Sub: SubBadRequest}
		}
	}

	if strings.Contains(msg, "invalid json") || strings.Contains(msg, "unexpected end of json") {
		return Classified{Kind: ErrorKindPermanent, Sub: SubJSONParse}
	}

	if entry, ok := statusTable[statusCode]; ok {
		return Classified{Kind: entry.kind, Sub: entry.sub}
	}

	return Classified{Kind: ErrorKindTransient, Sub: SubUnknown}
}
