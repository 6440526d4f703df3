// Package agent drives the streaming Claude Code query interface and
// interprets its event stream into a single turn result.
package agent

import "context"

// EventKind tags the event variants the runner observes.
type EventKind string

const (
	// EventSystem carries init and compact_boundary notifications.
	EventSystem EventKind = "system"
	// EventAssistant is emitted once per model call.
	EventAssistant EventKind = "assistant"
	// EventAuthStatus reports authentication state changes.
	EventAuthStatus EventKind = "auth_status"
	// EventResult is the terminal event of every completed stream.
	EventResult EventKind = "result"
)

// System event subtypes.
const (
	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
)

// Result subtypes.
const (
	SubtypeSuccess                         = "success"
	SubtypeErrorMaxTurns                   = "error_max_turns"
	SubtypeErrorMaxBudget                  = "error_max_budget_usd"
	SubtypeErrorDuringExecution            = "error_during_execution"
	SubtypeErrorMaxStructuredOutputRetries = "error_max_structured_output_retries"
)

// Assistant-event error classes.
const (
	ErrAuthenticationFailed = "authentication_failed"
	ErrBillingError         = "billing_error"
	ErrRateLimit            = "rate_limit"
	ErrServerError          = "server_error"
	ErrMaxOutputTokens      = "max_output_tokens"
)

// Usage is the token accounting attached to a result event.
type Usage struct {
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CacheReadTokens int64   `json:"cache_read_input_tokens"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

// Event is one tagged element of the stream.
type Event struct {
	Kind    EventKind
	Subtype string

	// system.init
	SessionID string
	Model     string
	Tools     []string

	// system.compact_boundary
	PreCompactTokens int64

	// assistant / auth_status
	Error     string // error class (assistant) or message (auth_status)
	CacheRead int64  // usage.cache_read_input_tokens of this call

	// result
	Text       string
	NumTurns   int
	CostUSD    float64
	DurationMS int64
	Usage      *Usage
	Errors     []string // populated for error_during_execution
}

// QueryRequest describes one streaming run handed to the engine.
type QueryRequest struct {
	Prompt    string
	SessionID string            // resume handle, empty for a fresh session
	Env       map[string]string // extra process environment for the query
}

// Stream is the lazy, non-restartable event sequence. Events ends
// after the terminal result event; when the stream dies early, Err
// reports why.
type Stream interface {
	Events() <-chan *Event
	Err() error
}

// Engine produces event streams. The subprocess engine is the real
// implementation; tests substitute fakes.
type Engine interface {
	Query(ctx context.Context, req *QueryRequest) (Stream, error)
}
