// Package voice provides optional speech-to-text for chat adapters that
// receive voice notes (Telegram voice/audio messages). Transcription is a
// built-in-tool-adjacent concern (spec §1 scope: individual tool
// implementations are out of core scope), so this stays a thin, adapter-side
// helper rather than a ToolRegistry tool.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// GroqTranscriber calls Groq's Whisper-compatible audio transcription
// endpoint over plain HTTP (Groq has no dedicated Go SDK; this mirrors the
// generic HTTP provider in pkg/providers rather than introducing a new dep).
type GroqTranscriber struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

// TranscriptionResult is the decoded response from the transcription call.
type TranscriptionResult struct {
	Text string `json:"text"`
}

// NewGroqTranscriber builds a transcriber. An empty apiKey yields a
// transcriber whose IsAvailable() is false; callers treat that as "no
// transcription" rather than an error.
func NewGroqTranscriber(apiKey, apiBase, model string) *GroqTranscriber {
	if apiBase == "" {
		apiBase = "https://api.groq.com/openai/v1"
	}
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &GroqTranscriber{
		apiKey:  apiKey,
		apiBase: apiBase,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// IsAvailable reports whether transcription can be attempted.
func (t *GroqTranscriber) IsAvailable() bool {
	return t != nil && t.apiKey != ""
}

// Transcribe uploads the audio file at path and returns its transcript.
func (t *GroqTranscriber) Transcribe(ctx context.Context, path string) (*TranscriptionResult, error) {
	if !t.IsAvailable() {
		return nil, fmt.Errorf("voice: groq transcriber not configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("voice: open audio file: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("voice: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("voice: copy audio: %w", err)
	}
	if err := writer.WriteField("model", t.model); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("voice: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice: transcription request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voice: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.WarnCF("voice", "transcription request failed", map[string]interface{}{
			"status": resp.StatusCode, "body": string(respBody),
		})
		return nil, fmt.Errorf("voice: transcription failed with status %d", resp.StatusCode)
	}

	var result TranscriptionResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("voice: decode response: %w", err)
	}
	return &result, nil
}
