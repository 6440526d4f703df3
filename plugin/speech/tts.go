package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/clawgate/internal/strutil"
)

// maxTTSTextLen bounds the text sent for synthesis.
const maxTTSTextLen = 5000

const defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

// Synthesizer renders text as ogg/opus audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ElevenLabsClient synthesizes through the ElevenLabs JSON endpoint.
type ElevenLabsClient struct {
	apiKey  string
	voiceID string
	baseURL string
	client  *http.Client
}

// NewElevenLabsClient creates the synthesizer; the key must be
// non-empty. An empty voice id selects the provider default voice.
func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	return &ElevenLabsClient{
		apiKey:  apiKey,
		voiceID: voiceID,
		baseURL: "https://api.elevenlabs.io",
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Synthesize posts the (bounded) text and returns opus audio suitable
// for a Telegram voice note.
func (e *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"text":     strutil.Clip(text, maxTTSTextLen),
		"model_id": "eleven_multilingual_v2",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal synthesis request")
	}

	url := e.baseURL + "/v1/text-to-speech/" + e.voiceID + "?output_format=opus_48000_64"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build synthesis request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Errorf("synthesis request failed: %s", redact(err.Error(), e.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("synthesis failed: status %d: %s", resp.StatusCode, redact(string(body), e.apiKey))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read synthesis response")
	}
	if len(audio) == 0 {
		return nil, errors.New("synthesis returned no audio")
	}
	return audio, nil
}

func redact(msg, key string) string {
	if key == "" {
		return msg
	}
	return strings.ReplaceAll(msg, key, "[redacted]")
}
