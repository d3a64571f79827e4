// Package payload builds the provider request for one chat turn.
package payload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/FeelPulse/chatrelay/internal/agent"
	"github.com/FeelPulse/chatrelay/pkg/types"
)

const (
	// GuestContextTurns is how many history turns a guest may forward
	GuestContextTurns = 10
	// DefaultAudioFormat is used when the audio URL has no extension
	DefaultAudioFormat = "mp3"
)

// ErrValidation marks a request the relay refuses before calling upstream
var ErrValidation = errors.New("validation error")

// MediaResolver maps stored media ids to fetchable URLs
type MediaResolver interface {
	ResolveBatch(ctx context.Context, ids []string) (map[string]string, error)
}

// AssembleInput is everything needed to build one payload.
// History must already be truncated.
type AssembleInput struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	History      []types.Turn
	Message      string
	Images       []string
	Videos       []string
	Audios       []string
	MediaAllowed bool
}

// Assembler merges history, the new turn and resolved media into a Payload
type Assembler struct {
	resolver MediaResolver
}

// NewAssembler creates an assembler. resolver may be nil when every media
// reference is already a URL.
func NewAssembler(resolver MediaResolver) *Assembler {
	return &Assembler{resolver: resolver}
}

// Validate checks the media mix of a new turn
func Validate(images, videos, audios []string, mediaAllowed bool) error {
	hasMedia := len(images) > 0 || len(videos) > 0 || len(audios) > 0
	switch {
	case hasMedia && !mediaAllowed:
		return fmt.Errorf("%w: media attachments are not available for this model", ErrValidation)
	case len(audios) > 1:
		return fmt.Errorf("%w: at most one audio clip per message", ErrValidation)
	case len(audios) > 0 && (len(images) > 0 || len(videos) > 0):
		return fmt.Errorf("%w: audio cannot be combined with images or video", ErrValidation)
	case len(images) > 0 && len(videos) > 0:
		return fmt.Errorf("%w: images and video cannot be combined", ErrValidation)
	}
	return nil
}

// Assemble validates the turn, resolves media and returns the payload
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*agent.Payload, error) {
	if err := Validate(in.Images, in.Videos, in.Audios, in.MediaAllowed); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Message) == "" && len(in.Images)+len(in.Videos)+len(in.Audios) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrValidation)
	}

	urls, err := a.resolve(ctx, in.Images, in.Videos, in.Audios)
	if err != nil {
		return nil, err
	}

	msgs := make([]agent.Message, 0, len(in.History)+2)
	if in.SystemPrompt != "" {
		msgs = append(msgs, agent.Message{Role: agent.RoleSystem, Text: in.SystemPrompt})
	}
	for _, turn := range in.History {
		if turn.Content == "" {
			continue
		}
		msgs = append(msgs, agent.Message{Role: normalizeRole(turn.Role), Text: turn.Content})
	}
	msgs = append(msgs, newTurn(in, urls))

	return &agent.Payload{
		Model:       in.Model,
		Messages:    msgs,
		Stream:      true,
		Temperature: in.Temperature,
	}, nil
}

// newTurn renders the user's message. Text-only turns stay a plain string.
func newTurn(in AssembleInput, urls map[string]string) agent.Message {
	if len(in.Images)+len(in.Videos)+len(in.Audios) == 0 {
		return agent.Message{Role: agent.RoleUser, Text: in.Message}
	}

	var parts []agent.ContentPart
	if in.Message != "" {
		parts = append(parts, agent.TextPart(in.Message))
	}
	for _, ref := range in.Images {
		parts = append(parts, agent.ImagePart(urls[ref]))
	}
	for _, ref := range in.Videos {
		parts = append(parts, agent.VideoPart(urls[ref]))
	}
	for _, ref := range in.Audios {
		u := urls[ref]
		parts = append(parts, agent.AudioPart(u, AudioFormat(u)))
	}
	return agent.Message{Role: agent.RoleUser, Parts: parts}
}

// resolve maps every media reference to a URL. References that already are
// URLs pass through; the rest go to the resolver in one deduplicated batch.
func (a *Assembler) resolve(ctx context.Context, lists ...[]string) (map[string]string, error) {
	urls := make(map[string]string)
	var pending []string
	seen := make(map[string]bool)

	for _, list := range lists {
		for _, ref := range list {
			if ref == "" {
				return nil, fmt.Errorf("%w: empty media reference", ErrValidation)
			}
			if isURL(ref) {
				urls[ref] = ref
				continue
			}
			if !seen[ref] {
				seen[ref] = true
				pending = append(pending, ref)
			}
		}
	}
	if len(pending) == 0 {
		return urls, nil
	}
	if a.resolver == nil {
		return nil, fmt.Errorf("%w: media ids cannot be resolved", ErrValidation)
	}

	resolved, err := a.resolver.ResolveBatch(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media: %w", err)
	}
	for _, id := range pending {
		u, ok := resolved[id]
		if !ok || u == "" {
			return nil, fmt.Errorf("%w: unknown media %q", ErrValidation, id)
		}
		urls[id] = u
	}
	return urls, nil
}

// AudioFormat derives the audio format from the URL's file extension
func AudioFormat(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return DefaultAudioFormat
	}
	return ext
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:")
}

func normalizeRole(role string) string {
	switch strings.ToLower(role) {
	case "assistant", "ai", "bot":
		return agent.RoleAssistant
	default:
		return agent.RoleUser
	}
}
