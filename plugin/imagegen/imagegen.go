// Package imagegen generates images from prompts through the OpenAI
// image API, classifying failures so the orchestrator can phrase them.
package imagegen

import (
	"context"
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// MaxPromptLen rejects oversized prompts before any network call.
const MaxPromptLen = 2000

const requestTimeout = 60 * time.Second

// ErrorKind classifies a generation failure.
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorSafety    ErrorKind = "safety"
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorOther     ErrorKind = "other"
)

// Result is the uniform adapter outcome.
type Result struct {
	OK    bool
	Bytes []byte
	Mime  string
	Kind  ErrorKind
	Error string
}

// Generator produces images; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, prompt string) *Result
}

// Client is the OpenAI-backed generator.
type Client struct {
	api    *openai.Client
	apiKey string
	model  string
}

// NewClient creates a generator; the key must be non-empty. An empty
// model selects DALL·E 3.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &Client{api: openai.NewClient(apiKey), apiKey: apiKey, model: model}
}

// Generate renders one image for the prompt.
func (c *Client) Generate(ctx context.Context, prompt string) *Result {
	if utf8.RuneCountInString(prompt) > MaxPromptLen {
		return &Result{OK: false, Kind: ErrorOther, Error: "prompt too long (max 2000 characters)"}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.model,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return c.classify(err)
	}
	if len(resp.Data) == 0 {
		return &Result{OK: false, Kind: ErrorOther, Error: "no image returned"}
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return &Result{OK: false, Kind: ErrorOther, Error: "failed to decode image data"}
	}
	return &Result{OK: true, Bytes: raw, Mime: "image/png"}
}

// classify maps provider failures onto the error kinds; the API key is
// redacted from anything surfaced.
func (c *Client) classify(err error) *Result {
	msg := c.redact(err.Error())
	lower := strings.ToLower(msg)

	var apiErr *openai.APIError
	status := 0
	if e, ok := err.(*openai.APIError); ok {
		apiErr = e
		status = e.HTTPStatusCode
	}

	switch {
	case strings.Contains(lower, "safety") || strings.Contains(lower, "blocked") ||
		(apiErr != nil && apiErr.Code == "content_policy_violation"):
		return &Result{OK: false, Kind: ErrorSafety, Error: msg}
	case status == 429 || strings.Contains(lower, "rate limit"):
		return &Result{OK: false, Kind: ErrorRateLimit, Error: msg}
	default:
		return &Result{OK: false, Kind: ErrorOther, Error: msg}
	}
}

func (c *Client) redact(msg string) string {
	if c.apiKey == "" {
		return msg
	}
	return strings.ReplaceAll(msg, c.apiKey, "[redacted]")
}
