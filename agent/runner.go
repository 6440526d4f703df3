package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hrygo/clawgate/internal/envfile"
)

// DefaultTimeout bounds a single agent turn.
const DefaultTimeout = 5 * time.Minute

// Credential keys forwarded from the env file to the query subprocess.
// At most these two are ever injected.
var credentialKeys = []string{"CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"}

// Friendly one-liners for the non-result terminations.
const (
	msgCancelled = "Request cancelled."
	msgTimeout   = "The request timed out. Try again or simplify the task."
	msgFailed    = "Something went wrong while talking to the agent."
)

// resultMessages translates error-result subtypes into human text.
var resultMessages = map[string]string{
	SubtypeErrorMaxTurns:                   "The agent hit its turn limit before finishing. Send a follow-up to continue.",
	SubtypeErrorMaxBudget:                  "The spending limit for this request was reached.",
	SubtypeErrorMaxStructuredOutputRetries: "The agent could not produce a valid structured answer.",
}

// RunRequest describes one turn.
type RunRequest struct {
	Message    string
	SessionID  string
	OnProgress func(*Event)    // invoked once per observed event; may be nil
	Cancel     <-chan struct{} // external cancellation handle; may be nil
	ExtraEnv   map[string]string
}

// RunResult is what a turn produces. Error is empty on success;
// "cancelled" and "timeout" are not user-facing failures.
type RunResult struct {
	Text             string
	SessionID        string
	CostUSD          float64
	DurationMS       int64
	NumTurns         int
	Usage            *Usage
	DidCompact       bool
	PreCompactTokens int64
	LastCacheRead    int64
	Error            string
}

// Runner drives the engine for one turn at a time.
type Runner struct {
	engine  Engine
	timeout time.Duration
	envPath string
}

// NewRunner creates a runner around the engine. A zero timeout selects
// the default.
func NewRunner(engine Engine, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{engine: engine, timeout: timeout, envPath: envfile.DefaultPath}
}

// trip causes for the internal cancellation token.
const (
	tripExternal = 1
	tripTimeout  = 2
)

// Run executes one turn. Driving the stream is the only suspension
// point; all bookkeeping is synchronous with event arrival, so the
// session id, compaction flag, and cache-read size are consistent with
// everything observed when the result lands.
func (r *Runner) Run(ctx context.Context, req *RunRequest) *RunResult {
	res := &RunResult{SessionID: req.SessionID}

	// Already-tripped cancel: no work at all.
	if cancelled(req.Cancel) {
		res.Error = "cancelled"
		res.Text = msgCancelled
		return res
	}

	env, err := r.secretEnv(req.ExtraEnv)
	if err != nil {
		slog.Warn("env file read failed; running without injected credentials", "error", err)
		env = req.ExtraEnv
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tripped int32
	timer := time.AfterFunc(r.timeout, func() {
		atomic.CompareAndSwapInt32(&tripped, 0, tripTimeout)
		cancel()
	})
	defer timer.Stop()

	unsubscribe := make(chan struct{})
	defer close(unsubscribe)
	if req.Cancel != nil {
		go func() {
			select {
			case <-req.Cancel:
				atomic.CompareAndSwapInt32(&tripped, 0, tripExternal)
				cancel()
			case <-unsubscribe:
			}
		}()
	}

	started := time.Now()
	stream, err := r.engine.Query(runCtx, &QueryRequest{
		Prompt:    req.Message,
		SessionID: req.SessionID,
		Env:       env,
	})
	if err != nil {
		r.classifyFailure(res, err, &tripped)
		return res
	}

	for ev := range stream.Events() {
		safeProgress(req.OnProgress, ev)
		if done := r.observe(res, ev); done {
			if res.DurationMS == 0 {
				res.DurationMS = time.Since(started).Milliseconds()
			}
			return res
		}
	}

	// Stream ended without a result event.
	if err := stream.Err(); err != nil {
		r.classifyFailure(res, err, &tripped)
		return res
	}
	res.Error = "stream ended without result"
	res.Text = msgFailed
	res.DurationMS = time.Since(started).Milliseconds()
	return res
}

// observe folds one event into the result. Returns true on the
// terminal event.
func (r *Runner) observe(res *RunResult, ev *Event) bool {
	switch ev.Kind {
	case EventSystem:
		switch ev.Subtype {
		case SubtypeInit:
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
		case SubtypeCompactBoundary:
			res.DidCompact = true
			if ev.PreCompactTokens > 0 {
				res.PreCompactTokens = ev.PreCompactTokens
			}
		}
	case EventAssistant:
		if ev.CacheRead > 0 {
			res.LastCacheRead = ev.CacheRead
		}
		if ev.Error != "" {
			switch ev.Error {
			case ErrAuthenticationFailed, ErrBillingError:
				res.Error = ev.Error
			case ErrRateLimit, ErrServerError, ErrMaxOutputTokens:
				slog.Warn("transient agent error", "class", ev.Error)
			default:
				slog.Warn("unrecognized agent error", "class", ev.Error)
			}
		}
	case EventAuthStatus:
		if ev.Error != "" {
			res.Error = "auth: " + ev.Error
		}
	case EventResult:
		res.NumTurns = ev.NumTurns
		res.CostUSD = ev.CostUSD
		if ev.DurationMS > 0 {
			res.DurationMS = ev.DurationMS
		}
		res.Usage = ev.Usage
		if res.Usage != nil && res.Usage.CacheReadTokens > 0 {
			res.LastCacheRead = res.Usage.CacheReadTokens
		}
		if ev.Subtype == SubtypeSuccess {
			res.Text = ev.Text
			return true
		}
		res.Error = ev.Subtype
		switch ev.Subtype {
		case SubtypeErrorDuringExecution:
			if len(ev.Errors) > 0 {
				res.Text = strings.Join(ev.Errors, "\n")
			} else {
				res.Text = msgFailed
			}
		default:
			if msg, ok := resultMessages[ev.Subtype]; ok {
				res.Text = msg
			} else {
				res.Text = msgFailed
			}
		}
		return true
	}
	return false
}

// classifyFailure turns a stream failure into the surfaced result,
// distinguishing external cancel from timeout from real errors.
func (r *Runner) classifyFailure(res *RunResult, err error, tripped *int32) {
	switch atomic.LoadInt32(tripped) {
	case tripExternal:
		res.Error = "cancelled"
		res.Text = msgCancelled
	case tripTimeout:
		res.Error = "timeout"
		res.Text = msgTimeout
	default:
		res.Error = err.Error()
		res.Text = msgFailed
	}
}

// secretEnv merges at most the two known credential keys from the env
// file with the caller's extra environment. Process env is untouched.
func (r *Runner) secretEnv(extra map[string]string) (map[string]string, error) {
	fileVars, err := envfile.Load(r.envPath)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(extra)+2)
	for _, key := range credentialKeys {
		if v, ok := fileVars[key]; ok && v != "" {
			merged[key] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged, nil
}

func cancelled(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// safeProgress invokes the progress callback, swallowing panics so a
// display problem can never kill a turn.
func safeProgress(fn func(*Event), ev *Event) {
	if fn == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			slog.Warn("progress callback panicked", "panic", v)
		}
	}()
	fn(ev)
}
