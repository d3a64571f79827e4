package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// Chain tries upstreams in order and returns the first stream that opens.
// Failover only covers the open phase; a stream that broke mid-way is never
// restarted on another upstream.
type Chain struct {
	openers []Opener
}

// NewChain creates a chain over openers, primary first
func NewChain(openers ...Opener) *Chain {
	return &Chain{openers: openers}
}

// Name returns the chain description
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.openers))
	for _, o := range c.openers {
		names = append(names, o.Name())
	}
	return strings.Join(names, " -> ")
}

// Len returns the number of upstreams in the chain
func (c *Chain) Len() int {
	return len(c.openers)
}

// Open tries each upstream until one succeeds. A non-retryable upstream
// answer (4xx other than 429) short-circuits: the next provider would most
// likely reject the same payload.
func (c *Chain) Open(ctx context.Context, p *Payload) (*Session, error) {
	if len(c.openers) == 0 {
		return nil, fmt.Errorf("no upstream configured: %w", ErrUpstreamUnavailable)
	}

	var lastErr error
	for i, o := range c.openers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := o.Open(ctx, p)
		if err == nil {
			if i > 0 {
				log.Printf("🔀 Served by fallback upstream %s", o.Name())
			}
			return s, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var upErr *UpstreamError
		if errors.As(err, &upErr) && !upErr.Retryable() {
			return nil, err
		}
		if i < len(c.openers)-1 {
			log.Printf("⚠️ Upstream %s failed: %v, trying %s", o.Name(), err, c.openers[i+1].Name())
		}
	}
	return nil, lastErr
}
