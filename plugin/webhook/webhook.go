// Package webhook invokes n8n-style automation endpoints on behalf of
// bot commands. Every failure is folded into the Result record; the
// invoker never raises into the turn pipeline.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// timeout is the ceiling for one webhook round-trip.
const timeout = 30 * time.Second

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Result is the uniform adapter outcome.
type Result struct {
	OK    bool
	Data  any    // decoded JSON body, or the raw text when not JSON
	Error string // set when OK is false
}

// Invoker posts to paths under a configured base URL.
type Invoker struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewInvoker creates an invoker; baseURL must be non-empty for the
// integration to be considered configured.
func NewInvoker(baseURL, apiKey string) *Invoker {
	return &Invoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a base URL is present.
func (i *Invoker) Configured() bool { return i.baseURL != "" }

// Call posts params as JSON to the sanitized path. The response body
// is read once as text, then JSON-decoded when possible; a decode
// failure preserves the text.
func (i *Invoker) Call(ctx context.Context, path string, params map[string]any) *Result {
	cleanPath, err := sanitizePath(path)
	if err != nil {
		return &Result{OK: false, Error: err.Error()}
	}

	body := []byte("{}")
	if len(params) > 0 {
		body, err = json.Marshal(params)
		if err != nil {
			return &Result{OK: false, Error: "failed to encode parameters: " + err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/"+cleanPath, bytes.NewReader(body))
	if err != nil {
		return &Result{OK: false, Error: "failed to build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.apiKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return &Result{OK: false, Error: "webhook timed out"}
		}
		return &Result{OK: false, Error: i.redact(err.Error())}
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{OK: false, Error: "failed to read response: " + err.Error()}
	}

	var data any = strings.TrimSpace(string(text))
	var decoded any
	if json.Unmarshal(text, &decoded) == nil {
		data = decoded
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Result{OK: false, Data: data, Error: errors.Errorf("status %d", resp.StatusCode).Error()}
	}
	return &Result{OK: true, Data: data}
}

// sanitizePath validates every path segment: non-empty, restricted
// charset, no dot traversal, no backslashes.
func sanitizePath(path string) (string, error) {
	if strings.Contains(path, `\`) {
		return "", errors.New("invalid path: backslash not allowed")
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", errors.New("invalid path: empty")
	}
	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", errors.Errorf("invalid path segment %q", seg)
		}
		if !segmentPattern.MatchString(seg) {
			return "", errors.Errorf("invalid path segment %q", seg)
		}
	}
	return strings.Join(segments, "/"), nil
}

func (i *Invoker) redact(msg string) string {
	if i.apiKey == "" {
		return msg
	}
	return strings.ReplaceAll(msg, i.apiKey, "[redacted]")
}
