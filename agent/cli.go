package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

const (
	// Scanner buffer sizes for CLI output parsing.
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024

	maxNonJSONLogLength = 100
)

// CLIEngine runs the claude CLI in headless streaming mode and adapts
// its stream-json output to the tagged event model.
type CLIEngine struct {
	cliPath      string
	workDir      string
	systemPrompt string
}

// NewCLIEngine locates the claude binary on PATH.
func NewCLIEngine(workDir, systemPrompt string) (*CLIEngine, error) {
	cliPath, err := exec.LookPath("claude")
	if err != nil {
		return nil, fmt.Errorf("claude CLI not found: %w", err)
	}
	return &CLIEngine{cliPath: cliPath, workDir: workDir, systemPrompt: systemPrompt}, nil
}

// streamMessage mirrors the stream-json wire shape, one JSON object
// per stdout line.
type streamMessage struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	CompactMetadata *struct {
		PreTokens int64 `json:"pre_tokens"`
	} `json:"compact_metadata,omitempty"`

	Message *struct {
		Usage *struct {
			CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`

	Error string `json:"error,omitempty"`

	Result       string      `json:"result,omitempty"`
	Errors       []string    `json:"errors,omitempty"`
	NumTurns     int         `json:"num_turns,omitempty"`
	DurationMS   int64       `json:"duration_ms,omitempty"`
	TotalCostUSD float64     `json:"total_cost_usd,omitempty"`
	Usage        *usageStats `json:"usage,omitempty"`
}

type usageStats struct {
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
}

type cliStream struct {
	events chan *Event
	err    error
	done   chan struct{}
}

func (s *cliStream) Events() <-chan *Event { return s.events }

func (s *cliStream) Err() error {
	<-s.done
	return s.err
}

// Query starts the CLI and streams its events. The returned stream
// closes after the result event; cancelling ctx kills the subprocess
// and surfaces the context error.
func (e *CLIEngine) Query(ctx context.Context, req *QueryRequest) (Stream, error) {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if e.systemPrompt != "" {
		args = append(args, "--append-system-prompt", e.systemPrompt)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	} else {
		args = append(args, "--session-id", uuid.NewString())
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, e.cliPath, args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}
	cmd.Env = append(os.Environ(), "CLAUDE_DISABLE_TELEMETRY=1")
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	stream := &cliStream{
		events: make(chan *Event, 8),
		done:   make(chan struct{}),
	}

	// Capture the stderr tail for error context.
	stderrTail := make([]string, 0, 10)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if len(stderrTail) == cap(stderrTail) {
				copy(stderrTail, stderrTail[1:])
				stderrTail = stderrTail[:len(stderrTail)-1]
			}
			stderrTail = append(stderrTail, scanner.Text())
		}
	}()

	go func() {
		defer close(stream.done)
		defer close(stream.events)

		sawResult := false
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, scannerInitialBufSize)
		scanner.Buffer(buf, scannerMaxBufSize)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			var msg streamMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				if len(line) > maxNonJSONLogLength {
					line = line[:maxNonJSONLogLength]
				}
				slog.Debug("non-JSON CLI output", "line", line)
				continue
			}
			ev := translate(&msg)
			if ev == nil {
				continue
			}
			select {
			case stream.events <- ev:
			case <-ctx.Done():
				stream.err = ctx.Err()
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
			if ev.Kind == EventResult {
				sawResult = true
				break
			}
		}
		if scanErr := scanner.Err(); scanErr != nil && stream.err == nil {
			stream.err = scanErr
		}

		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			stream.err = ctx.Err()
			return
		}
		if !sawResult && stream.err == nil && waitErr != nil {
			<-stderrDone
			exitCode := 0
			if cmd.ProcessState != nil {
				exitCode = cmd.ProcessState.ExitCode()
			}
			if len(stderrTail) > 0 {
				stream.err = fmt.Errorf("command exited with code %d: %w (stderr: %s)",
					exitCode, waitErr, strings.Join(stderrTail, "; "))
			} else {
				stream.err = fmt.Errorf("command exited with code %d: %w", exitCode, waitErr)
			}
		}
	}()

	return stream, nil
}

// translate maps one wire message to a tagged event; uninteresting
// message types yield nil.
func translate(msg *streamMessage) *Event {
	switch msg.Type {
	case "system":
		switch msg.Subtype {
		case SubtypeInit:
			return &Event{
				Kind:      EventSystem,
				Subtype:   SubtypeInit,
				SessionID: msg.SessionID,
				Model:     msg.Model,
				Tools:     msg.Tools,
			}
		case SubtypeCompactBoundary:
			ev := &Event{Kind: EventSystem, Subtype: SubtypeCompactBoundary}
			if msg.CompactMetadata != nil {
				ev.PreCompactTokens = msg.CompactMetadata.PreTokens
			}
			return ev
		}
		return nil
	case "assistant":
		ev := &Event{Kind: EventAssistant, Error: msg.Error}
		if msg.Message != nil && msg.Message.Usage != nil {
			ev.CacheRead = msg.Message.Usage.CacheReadInputTokens
		}
		return ev
	case "auth_status":
		return &Event{Kind: EventAuthStatus, Error: msg.Error}
	case "result":
		ev := &Event{
			Kind:       EventResult,
			Subtype:    msg.Subtype,
			Text:       msg.Result,
			Errors:     msg.Errors,
			NumTurns:   msg.NumTurns,
			CostUSD:    msg.TotalCostUSD,
			DurationMS: msg.DurationMS,
		}
		if msg.Usage != nil {
			ev.Usage = &Usage{
				InputTokens:     msg.Usage.InputTokens,
				OutputTokens:    msg.Usage.OutputTokens,
				CacheReadTokens: msg.Usage.CacheReadInputTokens,
				TotalCostUSD:    msg.TotalCostUSD,
			}
		}
		return ev
	default:
		return nil
	}
}
