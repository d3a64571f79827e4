package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FeelPulse/chatrelay/internal/agent"
	"github.com/FeelPulse/chatrelay/internal/auth"
	"github.com/FeelPulse/chatrelay/internal/media"
	"github.com/FeelPulse/chatrelay/internal/metrics"
	"github.com/FeelPulse/chatrelay/internal/payload"
	"github.com/FeelPulse/chatrelay/internal/quota"
	"github.com/FeelPulse/chatrelay/internal/ratelimit"
	"github.com/FeelPulse/chatrelay/internal/store"
	"github.com/FeelPulse/chatrelay/internal/usage"
	"github.com/FeelPulse/chatrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	generalModel  = "general-model"
	fallbackModel = "fallback-model"
	externalModel = "external-model"
)

// scriptedOpener serves a canned event stream
type scriptedOpener struct {
	mu       sync.Mutex
	frames   []string
	failMid  bool // break the stream after the frames
	hold     bool // keep the stream open until the context ends
	idle     time.Duration
	openErr  error
	opened   int
	payloads []*agent.Payload
}

func (o *scriptedOpener) Name() string { return "scripted" }

func (o *scriptedOpener) Open(ctx context.Context, p *agent.Payload) (*agent.Session, error) {
	o.mu.Lock()
	o.opened++
	o.payloads = append(o.payloads, p)
	o.mu.Unlock()

	if o.openErr != nil {
		return nil, o.openErr
	}

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	go func() {
		for _, content := range o.frames {
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", contentFrame(content)); err != nil {
				return
			}
		}
		switch {
		case o.failMid:
			pw.CloseWithError(errors.New("connection reset by peer"))
		case o.hold:
		default:
			io.WriteString(pw, "data: [DONE]\n\n")
			pw.Close()
		}
	}()
	s := agent.NewSession("scripted", pr, nil)
	s.SetIdleTimeout(o.idle)
	return s, nil
}

func (o *scriptedOpener) lastPayload() *agent.Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.payloads) == 0 {
		return nil
	}
	return o.payloads[len(o.payloads)-1]
}

func contentFrame(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return string(b)
}

type harness struct {
	relay   *Relay
	opener  *scriptedOpener
	store   *store.SQLiteStore
	metrics *metrics.Collector
	usage   *usage.Tracker
}

func newHarness(t *testing.T, opener *scriptedOpener) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	st.SetPlans(map[string]quota.Allowance{
		"free": {MonthlyImages: 1, DailyExternal: 2},
		"pro":  {MonthlyImages: 10, MonthlyVideos: 2, MonthlyAudios: 2, DailyExternal: 50},
	})

	validator := auth.ValidatorFunc(func(_ context.Context, token string) (auth.Identity, error) {
		switch token {
		case "pro-token":
			return auth.Identity{UserID: "u-pro", PlanTier: "pro"}, nil
		case "free-token":
			return auth.Identity{UserID: "u-free", PlanTier: "free"}, nil
		}
		return auth.Identity{}, auth.ErrInvalidToken
	})

	h := &harness{
		opener:  opener,
		store:   st,
		metrics: metrics.NewCollector(),
		usage:   usage.NewTracker(),
	}
	h.relay = New(Deps{
		Auth:      auth.NewAuthenticator(validator, auth.Options{}),
		Gate:      quota.NewGatekeeper(st, ratelimit.New(ratelimit.DefaultGuestDailyLimit)),
		Assembler: payload.NewAssembler(media.NewSigner("https://media.example.com", "signing-key", 0)),
		Upstream:  opener,
		ExpertLog: st,
		Metrics:   h.metrics,
		Usage:     h.usage,
	}, Options{
		GeneralModel:     generalModel,
		FallbackModel:    fallbackModel,
		AvailableModels:  []string{externalModel},
		ExpertCategories: []string{"legal"},
		ContextTurns: func(tier string) int {
			if tier == "pro" {
				return 40
			}
			return 20
		},
	})
	return h
}

func (h *harness) do(t *testing.T, r *http.Request, req *types.ChatRequest) (*httptest.ResponseRecorder, *Outcome, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	out, err := h.relay.Handle(rec, r, req)
	h.relay.Wait()
	return rec, out, err
}

func authed(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func guest(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	r.Header.Set(auth.DefaultGuestModeHeader, "1")
	r.RemoteAddr = ip + ":5555"
	return r
}

func doneCount(body string) int {
	return strings.Count(body, "data: "+`[DONE]`)
}

func TestHandleCompletedStream(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"Hel", "lo <thi", "nk>plan</think>", " world"}})

	rec, out, err := h.do(t, authed("pro-token"), &types.ChatRequest{Model: externalModel, Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "Hello  world", out.Text)
	assert.True(t, out.HasContentOutput)
	assert.True(t, out.Charged)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "plan")
	assert.Equal(t, 1, doneCount(rec.Body.String()))
	assert.Equal(t, []State{
		StateInit, StateAuthenticated, StateQuotaChecked, StatePayloadReady,
		StateStreaming, StateCompleted, StateSettled,
	}, out.Trace)

	remaining, err := h.store.Remaining(context.Background(), "u-pro", quota.KindDailyExternal)
	require.NoError(t, err)
	assert.Equal(t, 49, remaining)

	assert.Equal(t, int64(1), h.metrics.GetRequests()["completed"])
	assert.Equal(t, int64(1), h.metrics.GetCharges()["daily_external"])
	assert.Equal(t, int64(0), h.metrics.GetActiveStreams())
	assert.Equal(t, 1, h.usage.Get("user:u-pro").Charged)
}

func TestHandleGeneralModelIsFree(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"ok"}})

	_, out, err := h.do(t, authed("free-token"), &types.ChatRequest{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, generalModel, out.Model)
	assert.True(t, out.Charged)
	assert.Empty(t, h.metrics.GetCharges())

	remaining, err := h.store.Remaining(context.Background(), "u-free", quota.KindDailyExternal)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestHandleGuestNeverCharged(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"hello"}})

	rec, out, err := h.do(t, guest("203.0.113.9"), &types.ChatRequest{Model: externalModel, Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, fallbackModel, out.Model, "guests are pinned to the fallback model")
	assert.True(t, out.HasContentOutput)
	assert.False(t, out.Charged)
	assert.Equal(t, 1, doneCount(rec.Body.String()))
	assert.Equal(t, fallbackModel, h.opener.lastPayload().Model)
}

func TestHandleGuestRateLimited(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"x"}})

	for i := 0; i < ratelimit.DefaultGuestDailyLimit; i++ {
		_, _, err := h.do(t, guest("198.51.100.1"), &types.ChatRequest{Message: "hi"})
		require.NoError(t, err, "request %d", i+1)
	}

	rec, out, err := h.do(t, guest("198.51.100.1"), &types.ChatRequest{Message: "hi"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, quota.ErrRateLimited))

	var rle *quota.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 11, rle.Decision.Count)
	assert.Empty(t, rec.Body.String(), "nothing is written before streaming")
	assert.Equal(t, ratelimit.DefaultGuestDailyLimit, h.opener.opened)
}

func TestHandleGuestMediaRejectedWithoutCounting(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"x"}})

	_, _, err := h.do(t, guest("192.0.2.4"), &types.ChatRequest{Message: "look", Images: []string{"img-1"}})
	require.ErrorIs(t, err, payload.ErrValidation)
	assert.Equal(t, 0, h.opener.opened)

	// the rejected request did not use up a guest slot
	for i := 0; i < ratelimit.DefaultGuestDailyLimit; i++ {
		_, _, err := h.do(t, guest("192.0.2.4"), &types.ChatRequest{Message: "hi"})
		require.NoError(t, err)
	}
}

func TestHandleUnauthorized(t *testing.T) {
	h := newHarness(t, &scriptedOpener{})

	_, _, err := h.do(t, authed("forged"), &types.ChatRequest{Message: "hi"})
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	_, _, err = h.do(t, r, &types.ChatRequest{Message: "hi"})
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, 0, h.opener.opened)
}

func TestHandleImageAndVideoRejected(t *testing.T) {
	h := newHarness(t, &scriptedOpener{})

	_, _, err := h.do(t, authed("pro-token"), &types.ChatRequest{
		Model:   externalModel,
		Message: "compare",
		Images:  []string{"img-1"},
		Videos:  []string{"vid-1"},
	})
	require.ErrorIs(t, err, payload.ErrValidation)
	assert.Equal(t, 0, h.opener.opened)
}

func TestHandleQuotaExceeded(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"seen"}})
	req := &types.ChatRequest{Model: externalModel, Message: "what is this", Images: []string{"img-1"}}

	_, out, err := h.do(t, authed("free-token"), req)
	require.NoError(t, err)
	assert.True(t, out.Charged)

	_, _, err = h.do(t, authed("free-token"), req)
	var qe *quota.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, quota.KindImage, qe.Kind)
	assert.Equal(t, 1, h.opener.opened)
}

func TestHandleUpstreamErrorBeforeStreaming(t *testing.T) {
	upstreamErr := &agent.UpstreamError{Provider: "scripted", Status: http.StatusServiceUnavailable, Body: []byte(`{"error":"busy"}`)}
	h := newHarness(t, &scriptedOpener{openErr: upstreamErr})

	rec, out, err := h.do(t, authed("pro-token"), &types.ChatRequest{Model: externalModel, Message: "hi"})
	require.Error(t, err)
	assert.Nil(t, out)

	var ue *agent.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.Empty(t, rec.Header().Get("Content-Type"))

	remaining, err := h.store.Remaining(context.Background(), "u-pro", quota.KindDailyExternal)
	require.NoError(t, err)
	assert.Equal(t, 50, remaining, "nothing is charged when the upstream never answered")
}

func TestHandleMidStreamFailure(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"partial answer"}, failMid: true})

	rec, out, err := h.do(t, authed("pro-token"), &types.ChatRequest{Model: externalModel, Message: "hi", Language: "zh-CN"})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Equal(t, StatusErrored, out.Status)
	assert.Equal(t, "partial answer", out.Text, "the notice is not model output")
	assert.Equal(t, 1, strings.Count(body, "抱歉"))
	assert.Equal(t, 1, doneCount(body))
	assert.True(t, strings.Index(body, "抱歉") < strings.Index(body, "[DONE]"))
	assert.True(t, out.Charged, "content reached the client before the failure")
	assert.Equal(t, int64(1), h.metrics.GetRequests()["errored"])
}

func TestHandleMidStreamFailureWithoutContent(t *testing.T) {
	h := newHarness(t, &scriptedOpener{failMid: true})

	rec, out, err := h.do(t, authed("pro-token"), &types.ChatRequest{Model: externalModel, Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, StatusErrored, out.Status)
	assert.False(t, out.HasContentOutput)
	assert.False(t, out.Charged)
	assert.Contains(t, rec.Body.String(), "interrupted")
	assert.Equal(t, 1, doneCount(rec.Body.String()))
}

func TestHandleUpstreamStallEndsStream(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"half an answer"}, hold: true, idle: 100 * time.Millisecond})

	done := make(chan struct{})
	var (
		rec *httptest.ResponseRecorder
		out *Outcome
		err error
	)
	go func() {
		defer close(done)
		rec, out, err = h.do(t, authed("pro-token"), &types.ChatRequest{Model: externalModel, Message: "hi", Language: "en"})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled upstream kept the stream open")
	}
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Equal(t, StatusErrored, out.Status)
	assert.Equal(t, "half an answer", out.Text)
	assert.Contains(t, body, "interrupted")
	assert.Equal(t, 1, doneCount(body))
	assert.True(t, out.Charged)
	assert.Equal(t, []State{StateErrored, StateSettled}, out.Trace[len(out.Trace)-2:])
}

func TestHandleUnsupportedModelRejected(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"never sent"}})

	for _, req := range []*types.ChatRequest{
		{Model: "no-such-model", Message: "hi"},
		{ModelID: "no-such-model", Message: "hi"},
	} {
		_, out, err := h.do(t, authed("pro-token"), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, payload.ErrValidation))
		assert.Contains(t, err.Error(), "no-such-model")
		assert.Nil(t, out)
	}
	assert.Equal(t, 0, h.opener.opened)

	_, err := h.store.Remaining(context.Background(), "u-pro", quota.KindDailyExternal)
	assert.ErrorIs(t, err, store.ErrNoWallet, "the wallet is never touched")
}

func TestHandleGuestModelSelectionIgnored(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"ok"}})

	_, out, err := h.do(t, guest("198.51.100.9"), &types.ChatRequest{Model: "no-such-model", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, fallbackModel, out.Model)
	assert.Equal(t, fallbackModel, h.opener.lastPayload().Model)
}

// cancelOnChunk simulates a client that disconnects after the first chunk
type cancelOnChunk struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnChunk) Write(p []byte) (int, error) {
	n, err := c.ResponseRecorder.Write(p)
	if strings.Contains(string(p), `"chunk"`) {
		c.once.Do(c.cancel)
	}
	return n, err
}

func TestHandleClientAbort(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"first"}, hold: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := authed("pro-token").WithContext(ctx)
	w := &cancelOnChunk{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}

	out, err := h.relay.Handle(w, r, &types.ChatRequest{Model: externalModel, Message: "hi"})
	h.relay.Wait()
	require.NoError(t, err)

	assert.Equal(t, StatusAborted, out.Status)
	assert.Equal(t, "first", out.Text)
	assert.True(t, out.Charged)
	assert.Equal(t, 1, doneCount(w.Body.String()))
	assert.Contains(t, out.Trace, StateAborted)
	assert.Equal(t, StateSettled, out.Trace[len(out.Trace)-1])

	remaining, err := h.store.Remaining(context.Background(), "u-pro", quota.KindDailyExternal)
	require.NoError(t, err)
	assert.Equal(t, 49, remaining)
}

func TestHandleExpertProfile(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"consult a lawyer"}})

	_, out, err := h.do(t, authed("pro-token"), &types.ChatRequest{
		Model:    externalModel,
		Category: "Legal",
		Message:  "can I break my lease?",
	})
	require.NoError(t, err)
	assert.Equal(t, fallbackModel, out.Model)
	assert.True(t, out.Charged)

	logs, err := h.store.ListExpertLogs(context.Background(), "Legal", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "u-pro", logs[0].UserID)
	assert.Equal(t, "can I break my lease?", logs[0].Question)
	assert.Equal(t, "consult a lawyer", logs[0].Answer)

	// expert turns always draw on the daily external budget
	remaining, err := h.store.Remaining(context.Background(), "u-pro", quota.KindDailyExternal)
	require.NoError(t, err)
	assert.Equal(t, 49, remaining)
}

func TestHandleExpertMediaRejected(t *testing.T) {
	h := newHarness(t, &scriptedOpener{})

	_, _, err := h.do(t, authed("pro-token"), &types.ChatRequest{
		ExpertModelID: "tax-advisor",
		Message:       "see receipt",
		Images:        []string{"img-1"},
	})
	require.ErrorIs(t, err, payload.ErrValidation)
}

func TestHandleHistoryTruncatedByTier(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"ok"}})

	history := make([]types.Turn, 25)
	for i := range history {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history[i] = types.Turn{Role: role, Content: fmt.Sprintf("turn %d", i+1)}
	}

	_, _, err := h.do(t, authed("free-token"), &types.ChatRequest{Message: "next", Messages: history})
	require.NoError(t, err)

	p := h.opener.lastPayload()
	require.Len(t, p.Messages, 21)
	assert.Equal(t, "turn 6", p.Messages[0].Text)
	assert.Equal(t, "turn 25", p.Messages[19].Text)
	assert.Equal(t, "next", p.Messages[20].Text)
}

func TestHandleGuestHistoryLimit(t *testing.T) {
	h := newHarness(t, &scriptedOpener{frames: []string{"ok"}})

	history := make([]types.Turn, 15)
	for i := range history {
		history[i] = types.Turn{Role: "user", Content: fmt.Sprintf("turn %d", i+1)}
	}

	_, _, err := h.do(t, guest("203.0.113.50"), &types.ChatRequest{Message: "next", Messages: history})
	require.NoError(t, err)
	assert.Len(t, h.opener.lastPayload().Messages, payload.GuestContextTurns+1)
}

func TestFallbackMessage(t *testing.T) {
	assert.Contains(t, FallbackMessage("zh"), "抱歉")
	assert.Contains(t, FallbackMessage("en-US"), "Sorry")
	assert.Contains(t, FallbackMessage(""), "Sorry")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "QUOTA_CHECKED", StateQuotaChecked.String())
	assert.Equal(t, "SETTLED", StateSettled.String())
	assert.Equal(t, "aborted", StatusAborted.String())
}

func TestRouteModels(t *testing.T) {
	h := newHarness(t, &scriptedOpener{})
	user := auth.Identity{Kind: auth.KindAuthenticated, UserID: "u"}

	tests := []struct {
		name    string
		id      auth.Identity
		req     types.ChatRequest
		model   string
		general bool
		expert  bool
		media   bool
	}{
		{"default model", user, types.ChatRequest{}, generalModel, true, false, true},
		{"explicit external", user, types.ChatRequest{Model: externalModel}, externalModel, false, false, true},
		{"modelId alias", user, types.ChatRequest{ModelID: externalModel}, externalModel, false, false, true},
		{"general category", user, types.ChatRequest{Model: externalModel, Category: "General"}, generalModel, true, false, true},
		{"expert category", user, types.ChatRequest{Model: externalModel, Category: "legal"}, fallbackModel, false, true, false},
		{"expert id", user, types.ChatRequest{ExpertModelID: "tax"}, fallbackModel, false, true, false},
		{"guest", auth.Guest("1.2.3.4"), types.ChatRequest{Model: externalModel}, fallbackModel, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := h.relay.route(tt.id, &tt.req)
			assert.Equal(t, tt.model, rt.model)
			assert.Equal(t, tt.general, rt.general)
			assert.Equal(t, tt.expert, rt.expert)
			assert.Equal(t, tt.media, rt.mediaAllowed)
		})
	}
}
