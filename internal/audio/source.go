// Package audio provides the capture boundary, loudness analysis, and
// silence detection for the recording pipeline.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Source is the capability interface over a live audio input. Platform
// adapters (PortAudio, a pushed network stream, test fakes) implement it so
// the level analyzer and recorder never touch hardware APIs directly.
type Source interface {
	// Open acquires the underlying input. May block on user permission or
	// OS arbitration; errors are typed *CaptureError values.
	Open(ctx context.Context) error

	// ReadSamples returns the current window of time-domain samples,
	// zero-centered in [-1,1]. An empty slice means no data is available yet.
	ReadSamples() ([]float32, error)

	// Close releases the underlying input. Safe to call more than once.
	Close() error

	// SampleRate reports the stream's sample rate in Hz
	SampleRate() int
}

// CaptureCode is the closed set of named acquisition failures. Adapters
// translate native errors into these codes; consumers never sniff platform
// error strings.
type CaptureCode string

const (
	CodeInsecureContext  CaptureCode = "insecure_context"
	CodeUnsupported      CaptureCode = "capture_unsupported"
	CodePermissionDenied CaptureCode = "permission_denied"
	CodeDeviceNotFound   CaptureCode = "device_not_found"
	CodeDeviceBusy       CaptureCode = "device_busy"
)

// CaptureError is a typed acquisition failure
type CaptureError struct {
	Code CaptureCode
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio capture failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("audio capture failed (%s)", e.Code)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError wraps a native error with a capture code
func NewCaptureError(code CaptureCode, err error) *CaptureError {
	return &CaptureError{Code: code, Err: err}
}

// CodeOf extracts the capture code from an error chain, or "" if none
func CodeOf(err error) CaptureCode {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// userMessages maps each capture code to the message shown to end users.
// These are the failure modes users actually hit and must be told apart.
var userMessages = map[CaptureCode]string{
	CodeInsecureContext:  "Microphone access requires a secure connection. Please use HTTPS.",
	CodeUnsupported:      "Audio capture is not supported on this device.",
	CodePermissionDenied: "Microphone permission denied. Please allow microphone access in your settings.",
	CodeDeviceNotFound:   "No microphone found. Please connect a microphone and try again.",
	CodeDeviceBusy:       "Microphone is being used by another application.",
}

// UserMessage returns the user-actionable message for a capture error,
// or a generic fallback for untyped errors.
func UserMessage(err error) string {
	if msg, ok := userMessages[CodeOf(err)]; ok {
		return msg
	}
	return "Could not access microphone. Please try again."
}
