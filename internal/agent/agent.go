// Package agent talks to OpenAI-compatible completion providers.
//
// It owns the provider wire format (Payload), the streaming connection
// (Session) and the ordered failover between configured upstreams (Chain).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Roles used in provider messages
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types
const (
	PartText       = "text"
	PartImageURL   = "image_url"
	PartVideoURL   = "video_url"
	PartInputAudio = "input_audio"
)

var (
	// ErrUpstreamUnavailable is returned when no upstream could be reached at all
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStreamStalled is returned by Session.Next when the upstream stops
	// sending mid-stream for longer than the idle timeout
	ErrStreamStalled = errors.New("upstream stream stalled")
)

// Opener opens a streaming completion. OpenAIClient and Chain implement it.
type Opener interface {
	Open(ctx context.Context, p *Payload) (*Session, error)
	Name() string
}

// Payload is the provider-facing chat completion request
type Payload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
}

// Message is one provider message. A message with Parts is sent as a
// structured content array; otherwise Text is sent as a plain string.
type Message struct {
	Role  string
	Text  string
	Parts []ContentPart
}

// MarshalJSON renders content as a string or a part array
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Text})
	}
	return json.Marshal(struct {
		Role    string        `json:"role"`
		Content []ContentPart `json:"content"`
	}{m.Role, m.Parts})
}

// ContentPart is one element of a structured message
type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *MediaURL   `json:"image_url,omitempty"`
	VideoURL   *MediaURL   `json:"video_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
}

// MediaURL points at an image or video
type MediaURL struct {
	URL string `json:"url"`
}

// InputAudio references an audio clip by URL
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// TextPart builds a text content part
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &MediaURL{URL: url}}
}

// VideoPart builds a video content part
func VideoPart(url string) ContentPart {
	return ContentPart{Type: PartVideoURL, VideoURL: &MediaURL{URL: url}}
}

// AudioPart builds an audio content part
func AudioPart(url, format string) ContentPart {
	return ContentPart{Type: PartInputAudio, InputAudio: &InputAudio{Data: url, Format: format}}
}

// UpstreamError is a non-success response received before any streaming.
// Status and Body are passed back to the client verbatim.
type UpstreamError struct {
	Provider    string
	Status      int
	Body        []byte
	ContentType string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.Status, truncateBody(e.Body, 200))
}

// Retryable reports whether another upstream might succeed where this one failed
func (e *UpstreamError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
