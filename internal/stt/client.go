package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/config"
	"github.com/siderealchat/voice-capture/internal/observability"
)

// MinPayloadBytes is the default floor below which a recording is treated
// as cut off rather than uploaded
const MinPayloadBytes = 100

// DefaultLanguage is used when session metadata does not specify one
const DefaultLanguage = "en"

// Client uploads finalized utterances to the transcription endpoint.
// It never retries: every failure is terminal for the current session and
// retry is an explicit caller action.
type Client struct {
	endpoint        string
	apiKey          string
	minPayloadBytes int
	defaultLanguage string
	httpClient      *http.Client
	log             zerolog.Logger
}

// NewClient creates a transcription client from service configuration
func NewClient(cfg *config.Config) *Client {
	minBytes := cfg.MinPayloadBytes
	if minBytes <= 0 {
		minBytes = MinPayloadBytes
	}
	language := cfg.DefaultLanguage
	if language == "" {
		language = DefaultLanguage
	}
	return &Client{
		endpoint:        cfg.STTEndpoint,
		apiKey:          cfg.STTAPIKey,
		minPayloadBytes: minBytes,
		defaultLanguage: language,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.STTTimeout) * time.Second,
		},
		log: observability.GetLogger().With().Str("component", "stt_client").Logger(),
	}
}

// Transcribe uploads a WAV payload with session metadata and returns the
// transcript. An empty transcript on success is returned as "", never an
// error. Application failures come back as typed errors; transport failures
// are generic.
func (c *Client) Transcribe(ctx context.Context, audioData []byte, meta SessionMeta) (string, error) {
	// Payload guards run before any network activity
	if len(audioData) == 0 {
		c.log.Warn().Msg("Empty audio payload, skipping transcription")
		observability.RecordPayloadReject("empty")
		return "", ErrEmptyRecording
	}
	if len(audioData) < c.minPayloadBytes {
		c.log.Warn().Int("bytes", len(audioData)).Int("floor", c.minPayloadBytes).
			Msg("Audio payload below minimum size, skipping transcription")
		observability.RecordPayloadReject("too_short")
		return "", ErrRecordingTooShort
	}

	body, contentType, err := c.buildForm(audioData, meta)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}

	if !parsed.Success {
		return "", c.classifyFailure(&parsed)
	}

	// Absent transcript decodes to "" which keeps the contract total
	return parsed.Transcript, nil
}

func (c *Client) buildForm(audioData []byte, meta SessionMeta) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"chat_id":   meta.ChatID,
		"user_id":   meta.UserID,
		"user_name": meta.UserName,
		"voice":     meta.Voice,
		"mode":      meta.Mode,
		"chattype":  meta.ChatType,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}

	language := meta.Language
	if language == "" {
		language = c.defaultLanguage
	}
	if err := writer.WriteField("language", language); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body, writer.FormDataContentType(), nil
}

// classifyFailure maps a structured success:false body to a typed error.
// Classification happens here, at the lowest layer that can; callers route
// these errors without re-interpreting them.
func (c *Client) classifyFailure(resp *Response) error {
	switch resp.Code {
	case CodeLimitExceeded, legacyCodeLimitExceeded:
		c.log.Info().
			Int("current_usage", resp.CurrentUsage).
			Int("limit", resp.Limit).
			Int("remaining", resp.Remaining).
			Msg("Voice usage limit exceeded")
		return &LimitExceededError{
			CurrentUsage: resp.CurrentUsage,
			Limit:        resp.Limit,
			Remaining:    resp.Remaining,
			Message:      resp.Message,
		}
	case "":
		return &RequestError{Code: "unknown", Message: resp.Message}
	default:
		return &RequestError{Code: resp.Code, Message: resp.Message}
	}
}

// HealthCheck verifies the endpoint is reachable without spending quota
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	// Any response at all means the endpoint is reachable; method support varies
	return true, nil
}
