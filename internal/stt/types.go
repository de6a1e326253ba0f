// Package stt delivers finalized utterances to the transcription endpoint
// and normalizes its responses into typed results.
package stt

// SessionMeta carries the metadata uploaded alongside an utterance
type SessionMeta struct {
	ChatID   string
	UserID   string
	UserName string
	Voice    string
	Mode     string
	ChatType string
	Language string
}

// Response is the transcription endpoint's JSON body. The endpoint reports
// application failures as success:false with a code on an HTTP 200, so the
// body shape is total regardless of outcome.
type Response struct {
	Success      bool   `json:"success"`
	Transcript   string `json:"transcript"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	CurrentUsage int    `json:"current_usage,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Remaining    int    `json:"remaining,omitempty"`
}
