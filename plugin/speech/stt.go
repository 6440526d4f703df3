// Package speech provides the opt-in transcription (STT) and synthesis
// (TTS) collaborators. Both are enabled only by credential presence and
// fail soft: the orchestrator falls back to text on any error.
package speech

import (
	"context"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

const requestTimeout = 30 * time.Second

// Transcriber converts a voice recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// WhisperClient transcribes through the OpenAI audio endpoint.
type WhisperClient struct {
	client *openai.Client
}

// NewWhisperClient creates the transcriber; the key must be non-empty.
func NewWhisperClient(apiKey string) *WhisperClient {
	return &WhisperClient{client: openai.NewClient(apiKey)}
}

// Transcribe uploads the audio file and returns the recognized text.
func (w *WhisperClient) Transcribe(ctx context.Context, audioPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
	})
	if err != nil {
		return "", errors.Wrap(err, "transcription failed")
	}
	return resp.Text, nil
}
