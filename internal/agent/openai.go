package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/tidwall/gjson"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultReadTimeout   = 60 * time.Second
	// readChunkSize is how much of the response body one read pulls in
	readChunkSize = 4096
	// maxErrorBody caps how much of a failed response is kept for the client
	maxErrorBody = 1 << 20
)

// OpenAIClient opens streaming chat completions against an OpenAI-compatible API
type OpenAIClient struct {
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	log     *logger.Logger
}

// NewOpenAIClient creates a client for baseURL. timeout bounds the wait for
// response headers and every read of the stream after that; a long answer is
// never cut off as long as bytes keep arriving.
func NewOpenAIClient(name, baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if name == "" {
		name = "openai"
	}
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Transport: transport},
		log:     logger.GetDefaultLogger().WithComponent("upstream"),
	}
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return c.name
}

// Open posts the payload and returns a live stream. A non-2xx answer is
// returned as *UpstreamError with the body read in full; no Session exists
// in that case.
func (c *OpenAIClient) Open(ctx context.Context, p *Payload) (*Session, error) {
	body := *p
	body.Stream = true
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Debug("opening stream model=%s messages=%d", p.Model, len(p.Messages))
	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %v", c.name, ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{
			Provider:    c.name,
			Status:      resp.StatusCode,
			Body:        respBody,
			ContentType: resp.Header.Get("Content-Type"),
		}
	}

	s := newSession(c.name, resp.Body, cancel, c.log)
	s.SetIdleTimeout(c.timeout)
	return s, nil
}

// Frame is one decoded upstream event
type Frame struct {
	Content      string
	Reasoning    string
	FinishReason string
}

// Session is one open upstream stream. Next pulls frames; Close releases the
// connection and is safe to call more than once.
type Session struct {
	provider string
	body     io.ReadCloser
	cancel   context.CancelFunc
	log      *logger.Logger

	buf       []byte
	chunk     []byte
	finished  bool
	closeOnce sync.Once
	skipped   int

	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newSession(provider string, body io.ReadCloser, cancel context.CancelFunc, log *logger.Logger) *Session {
	return &Session{
		provider: provider,
		body:     body,
		cancel:   cancel,
		log:      log,
		chunk:    make([]byte, readChunkSize),
	}
}

// NewSession wraps an already open event stream. It is used by tests and by
// callers that manage their own transport.
func NewSession(provider string, body io.ReadCloser, cancel context.CancelFunc) *Session {
	if cancel == nil {
		cancel = func() {}
	}
	return newSession(provider, body, cancel, logger.GetDefaultLogger().WithComponent("upstream"))
}

// SetIdleTimeout bounds how long a single read may wait for bytes. When it
// expires the connection is torn down and Next returns ErrStreamStalled.
// Zero disables the limit. Call it before the first Next.
func (s *Session) SetIdleTimeout(d time.Duration) {
	s.idle = d
}

// Provider returns the name of the upstream serving this session
func (s *Session) Provider() string {
	return s.provider
}

// Next returns the next frame carrying content. It returns io.EOF after the
// upstream [DONE] frame or a clean end of body. Any other error is a
// transport failure after streaming began.
func (s *Session) Next() (Frame, error) {
	for {
		if s.finished {
			return Frame{}, io.EOF
		}

		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
			line := s.buf[:i]
			s.buf = s.buf[i+1:]
			if f, ok := s.decode(line); ok {
				return f, nil
			}
			continue
		}

		n, err := s.read()
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// Body ended without a trailing newline; the remainder is the last line
			rest := s.buf
			s.buf = nil
			s.finished = true
			if f, ok := s.decode(rest); ok {
				return f, nil
			}
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
}

// read pulls the next piece of the body under the idle timeout
func (s *Session) read() (int, error) {
	if s.idle <= 0 {
		return s.body.Read(s.chunk)
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.idle, s.stall)
	} else {
		s.timer.Reset(s.idle)
	}
	n, err := s.body.Read(s.chunk)
	s.timer.Stop()

	if err != nil && s.stalled.Load() {
		return n, fmt.Errorf("%s: %w: no data for %s", s.provider, ErrStreamStalled, s.idle)
	}
	return n, err
}

// stall unblocks a read that waited past the idle timeout
func (s *Session) stall() {
	s.stalled.Store(true)
	s.cancel()
	s.body.Close()
}

// decode parses one line. ok is false for blank lines, comments, non-data
// fields, malformed JSON and frames without text.
func (s *Session) decode(line []byte) (Frame, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || line[0] == ':' {
		return Frame{}, false
	}
	data, found := bytes.CutPrefix(line, []byte("data:"))
	if !found {
		return Frame{}, false
	}
	data = bytes.TrimSpace(data)

	if string(data) == "[DONE]" {
		s.finished = true
		return Frame{}, false
	}
	if !gjson.ValidBytes(data) {
		s.skipped++
		s.log.Warn("⚠️ skipping malformed frame from %s: %s", s.provider, truncateBody(data, 120))
		return Frame{}, false
	}

	choice := gjson.GetBytes(data, "choices.0")
	f := Frame{
		Content:      choice.Get("delta.content").String(),
		Reasoning:    choice.Get("delta.reasoning_content").String(),
		FinishReason: choice.Get("finish_reason").String(),
	}
	if f.Content == "" && f.Reasoning == "" && f.FinishReason == "" {
		return Frame{}, false
	}
	return f, true
}

// Skipped returns how many malformed frames were dropped
func (s *Session) Skipped() int {
	return s.skipped
}

// Close cancels the request and releases the connection
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.cancel()
		err = s.body.Close()
	})
	return err
}
