package stt

import (
	"errors"
	"fmt"
)

// Payload validation failures. Both block the upload entirely; they are
// distinct so the UI can tell "you didn't speak" from "recording cut off
// too early".
var (
	ErrEmptyRecording    = errors.New("empty audio recording - please try speaking again")
	ErrRecordingTooShort = errors.New("recording too short - please speak for longer")
)

// Limit-exceeded codes. CodeLimitExceeded is canonical; the legacy code is
// still emitted by older backend deployments.
const (
	CodeLimitExceeded       = "STT_LIMIT_EXCEEDED"
	legacyCodeLimitExceeded = "VOICE_LIMIT_EXCEEDED"
)

// LimitExceededError reports that the caller's voice usage quota is spent.
// Callers present this differently from a generic failure (upgrade prompt
// vs. retry prompt).
type LimitExceededError struct {
	CurrentUsage int
	Limit        int
	Remaining    int
	Message      string
}

func (e *LimitExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("voice usage limit exceeded (%d/%d used, %d remaining)",
		e.CurrentUsage, e.Limit, e.Remaining)
}

// IsLimitExceeded reports whether err is a usage-limit error
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}

// RequestError is a structured application failure carrying the endpoint's
// error code for diagnostics
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transcription failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("transcription failed (%s)", e.Code)
}
