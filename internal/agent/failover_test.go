package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// mockOpener returns a canned session or error
type mockOpener struct {
	name  string
	err   error
	calls int
}

func (m *mockOpener) Name() string {
	return m.name
}

func (m *mockOpener) Open(ctx context.Context, p *Payload) (*Session, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return NewSession(m.name, io.NopCloser(strings.NewReader("data: [DONE]\n")), nil), nil
}

func TestChainPrimarySuccess(t *testing.T) {
	primary := &mockOpener{name: "primary"}
	fallback := &mockOpener{name: "fallback"}

	s, err := NewChain(primary, fallback).Open(context.Background(), &Payload{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Provider() != "primary" {
		t.Errorf("Expected primary, got %s", s.Provider())
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be tried, calls = %d", fallback.calls)
	}
}

func TestChainFallsBack(t *testing.T) {
	primary := &mockOpener{name: "primary", err: ErrUpstreamUnavailable}
	fallback := &mockOpener{name: "fallback"}

	s, err := NewChain(primary, fallback).Open(context.Background(), &Payload{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Provider() != "fallback" {
		t.Errorf("Expected fallback, got %s", s.Provider())
	}
}

func TestChainRetryableUpstreamStatus(t *testing.T) {
	primary := &mockOpener{name: "primary", err: &UpstreamError{Status: 429}}
	fallback := &mockOpener{name: "fallback"}

	if _, err := NewChain(primary, fallback).Open(context.Background(), &Payload{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestChainClientErrorShortCircuits(t *testing.T) {
	primary := &mockOpener{name: "primary", err: &UpstreamError{Status: 400, Body: []byte("bad")}}
	fallback := &mockOpener{name: "fallback"}

	_, err := NewChain(primary, fallback).Open(context.Background(), &Payload{})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != 400 {
		t.Fatalf("Expected the 400 upstream error, got %v", err)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be tried after a 400")
	}
}

func TestChainAllFailReturnsLast(t *testing.T) {
	last := &UpstreamError{Status: 502, Body: []byte("bad gateway")}
	primary := &mockOpener{name: "primary", err: ErrUpstreamUnavailable}
	fallback := &mockOpener{name: "fallback", err: last}

	_, err := NewChain(primary, fallback).Open(context.Background(), &Payload{})
	if !errors.Is(err, last) {
		t.Errorf("Expected last error, got %v", err)
	}
}

func TestChainCancelledContext(t *testing.T) {
	primary := &mockOpener{name: "primary"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewChain(primary).Open(ctx, &Payload{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if primary.calls != 0 {
		t.Errorf("no upstream should be opened after cancel")
	}
}

func TestChainEmpty(t *testing.T) {
	_, err := NewChain().Open(context.Background(), &Payload{})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestChainName(t *testing.T) {
	c := NewChain(&mockOpener{name: "primary"}, &mockOpener{name: "fallback"})
	if c.Name() != "primary -> fallback" {
		t.Errorf("Unexpected name: %s", c.Name())
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}
}
