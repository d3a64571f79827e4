// Package relay drives one chat turn end to end.
//
// Handle authenticates the caller, checks quota, assembles the payload and
// opens the upstream stream. Failures up to that point are returned to the
// caller as errors and nothing has been written to the client. After that
// the response is an SSE stream: a background goroutine pulls upstream
// frames through the think filter into the SSE writer while the handler
// goroutine writes frames to the client. Every stream ends with exactly one
// [DONE] and exactly one settlement, whichever way it terminates.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/FeelPulse/chatrelay/internal/agent"
	"github.com/FeelPulse/chatrelay/internal/auth"
	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/FeelPulse/chatrelay/internal/metrics"
	"github.com/FeelPulse/chatrelay/internal/payload"
	"github.com/FeelPulse/chatrelay/internal/quota"
	"github.com/FeelPulse/chatrelay/internal/sse"
	"github.com/FeelPulse/chatrelay/internal/thinkfilter"
	"github.com/FeelPulse/chatrelay/internal/usage"
	"github.com/FeelPulse/chatrelay/pkg/types"
	"github.com/google/uuid"
)

// CategoryGeneral routes a turn to the unmetered general model
const CategoryGeneral = "general"

const (
	settleTimeout    = 10 * time.Second
	expertLogTimeout = 10 * time.Second
)

// Authenticator resolves the caller of a request
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error)
}

// Gate is the two-phase quota protocol
type Gate interface {
	Preflight(ctx context.Context, id auth.Identity, shape quota.Shape) (quota.Decision, error)
	Settle(ctx context.Context, id auth.Identity, shape quota.Shape, in quota.SettleInput) quota.SettleResult
}

// ExpertLog stores completed exchanges of expert profiles
type ExpertLog interface {
	AppendExpertLog(ctx context.Context, rec *types.ExpertLogRecord) error
}

// Options holds model routing and context settings
type Options struct {
	GeneralModel  string
	FallbackModel string
	// AvailableModels are the metered models a client may select. The
	// general and fallback models are always accepted.
	AvailableModels   []string
	ExpertCategories  []string
	SystemPrompt      string
	Temperature       float64
	GuestContextTurns int
	// ContextTurns returns the history limit for a plan tier
	ContextTurns func(tier string) int
}

// Relay wires the pipeline together
type Relay struct {
	auth      Authenticator
	gate      Gate
	assembler *payload.Assembler
	upstream  agent.Opener
	expertLog ExpertLog
	metrics   *metrics.Collector
	usage     *usage.Tracker
	opts      Options

	pending sync.WaitGroup // fire-and-forget expert log writes
}

// Deps are the collaborators of a Relay. ExpertLog, Metrics and Usage may be nil.
type Deps struct {
	Auth      Authenticator
	Gate      Gate
	Assembler *payload.Assembler
	Upstream  agent.Opener
	ExpertLog ExpertLog
	Metrics   *metrics.Collector
	Usage     *usage.Tracker
}

// New creates a relay
func New(d Deps, opts Options) *Relay {
	if opts.GuestContextTurns <= 0 {
		opts.GuestContextTurns = payload.GuestContextTurns
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewCollector()
	}
	if d.Usage == nil {
		d.Usage = usage.NewTracker()
	}
	return &Relay{
		auth:      d.Auth,
		gate:      d.Gate,
		assembler: d.Assembler,
		upstream:  d.Upstream,
		expertLog: d.ExpertLog,
		metrics:   d.Metrics,
		usage:     d.Usage,
		opts:      opts,
	}
}

// route is the model decision for one request
type route struct {
	model        string
	general      bool
	expert       bool
	expertID     string
	mediaAllowed bool
}

func (rl *Relay) route(id auth.Identity, req *types.ChatRequest) route {
	expertID := req.ExpertModelID
	if expertID == "" && rl.isExpert(req.Category) {
		expertID = req.Category
	}
	rt := route{expert: expertID != "", expertID: expertID}

	// Guests and expert profiles are pinned to the fallback model and get no media
	if id.IsGuest() || rt.expert {
		rt.model = rl.opts.FallbackModel
		rt.general = !rt.expert && rt.model == rl.opts.GeneralModel
		return rt
	}

	rt.model = req.SelectedModel()
	if rt.model == "" || strings.EqualFold(req.Category, CategoryGeneral) {
		rt.model = rl.opts.GeneralModel
	}
	rt.general = rt.model == rl.opts.GeneralModel
	rt.mediaAllowed = true
	return rt
}

// supported reports whether the routed model may be sent upstream
func (rl *Relay) supported(model string) bool {
	if model == rl.opts.GeneralModel || model == rl.opts.FallbackModel {
		return true
	}
	for _, m := range rl.opts.AvailableModels {
		if m == model {
			return true
		}
	}
	return false
}

func (rl *Relay) isExpert(category string) bool {
	if category == "" {
		return false
	}
	for _, e := range rl.opts.ExpertCategories {
		if strings.EqualFold(e, category) {
			return true
		}
	}
	return false
}

// Handle runs one chat turn. A non-nil error means nothing was written to w
// and the caller must send an error response. Once streaming started the
// error is nil and the Outcome describes how the stream ended.
func (rl *Relay) Handle(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) (*Outcome, error) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	out := &Outcome{}
	out.enter(StateInit)

	id, err := rl.auth.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	out.enter(StateAuthenticated)
	log = log.With("caller", id.Key())

	rt := rl.route(id, req)
	out.Model = rt.model
	shape := quota.Shape{
		Model:   rt.model,
		General: rt.general,
		Expert:  rt.expert,
		Images:  len(req.Images),
		Videos:  len(req.Videos),
		Audios:  len(req.Audios),
	}

	// Model and media rules are checked before the guest counter or wallet is touched
	if !rl.supported(rt.model) {
		return nil, fmt.Errorf("%w: unsupported model %q", payload.ErrValidation, rt.model)
	}
	if err := payload.Validate(req.Images, req.Videos, req.Audios, rt.mediaAllowed); err != nil {
		return nil, err
	}

	decision, err := rl.gate.Preflight(ctx, id, shape)
	if err != nil {
		return nil, err
	}
	out.enter(StateQuotaChecked)

	limit := rl.opts.GuestContextTurns
	if id.IsAuthenticated() && rl.opts.ContextTurns != nil {
		limit = rl.opts.ContextTurns(decision.Tier)
	}
	p, err := rl.assembler.Assemble(ctx, payload.AssembleInput{
		Model:        rt.model,
		SystemPrompt: rl.opts.SystemPrompt,
		Temperature:  rl.opts.Temperature,
		History:      payload.Truncate(req.Messages, limit),
		Message:      req.Message,
		Images:       req.Images,
		Videos:       req.Videos,
		Audios:       req.Audios,
		MediaAllowed: rt.mediaAllowed,
	})
	if err != nil {
		return nil, err
	}
	out.enter(StatePayloadReady)

	// One cancel funnels client disconnect, failed client writes and
	// internal aborts into the upstream session
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := rl.upstream.Open(relayCtx, p)
	if err != nil {
		return nil, err
	}
	out.Provider = session.Provider()
	rl.metrics.IncrementUpstream(session.Provider())
	log.Info("streaming model=%s provider=%s history=%d", rt.model, session.Provider(), len(p.Messages)-1)

	sw := sse.NewWriter(w, sse.OnWriteError(func(err error) {
		log.Warn("client write failed: %v", err)
		cancel()
	}))
	out.enter(StateStreaming)
	rl.metrics.StreamStarted()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer rl.metrics.StreamFinished()
		defer func() {
			if p := recover(); p != nil {
				log.Error("relay panic: %v", p)
				out.Status = StatusErrored
			}
			session.Close()
			cancel()
			out.enter(out.Status.terminal())

			_ = sw.EmitDone()
			rl.settle(ctx, log, id, shape, rt, req, out)
			out.enter(StateSettled)
			sw.Close()
		}()
		out.Status = rl.pump(relayCtx, session, sw, req.Language, out, log)
	}()

	sw.Run()
	<-done

	log.Info("finished status=%s chunks=%d chars=%d charged=%v", out.Status, out.Usage.Chunks, out.Usage.Chars, out.Charged)
	return out, nil
}

// pump moves upstream frames through the filter to the client until the
// stream ends, the client goes away or the upstream fails
func (rl *Relay) pump(ctx context.Context, s *agent.Session, sw *sse.Writer, lang string, out *Outcome, log *logger.ContextLogger) Status {
	filter := thinkfilter.New()

	emit := func(text string) error {
		if text == "" {
			return nil
		}
		if err := sw.EmitChunk(text); err != nil {
			return err
		}
		out.Text += text
		out.HasContentOutput = true
		out.Usage.Chunks++
		out.Usage.Chars += len([]rune(text))
		return nil
	}

	for {
		frame, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if emit(filter.Flush()) != nil {
					return StatusAborted
				}
				return StatusCompleted
			}
			if ctx.Err() != nil || sw.Closed() {
				return StatusAborted
			}

			log.Error("upstream failed mid-stream: %v", err)
			if emit(filter.Flush()) != nil {
				return StatusAborted
			}
			// The fallback notice is not model output and never makes the turn chargeable
			_ = sw.EmitChunk(FallbackMessage(lang))
			return StatusErrored
		}

		if frame.Content == "" {
			continue
		}
		if err := emit(filter.Push(frame.Content)); err != nil {
			return StatusAborted
		}
		if ctx.Err() != nil {
			return StatusAborted
		}
	}
}

// settle runs once per stream, after [DONE] was queued
func (rl *Relay) settle(reqCtx context.Context, log *logger.ContextLogger, id auth.Identity, shape quota.Shape, rt route, req *types.ChatRequest, out *Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), settleTimeout)
	defer cancel()

	res := rl.gate.Settle(ctx, id, shape, quota.SettleInput{HasContentOutput: out.HasContentOutput})
	out.Charged = res.Charged

	if res.Charged {
		failed := make(map[quota.Kind]bool, len(res.Failed))
		for _, k := range res.Failed {
			failed[k] = true
			rl.metrics.IncrementChargeError(string(k))
		}
		for _, k := range shape.Classes() {
			if !failed[k] {
				rl.metrics.IncrementCharge(string(k))
			}
		}
	}

	if rt.expert && res.Charged && strings.TrimSpace(out.Text) != "" && rl.expertLog != nil {
		rec := &types.ExpertLogRecord{
			ID:        uuid.NewString(),
			UserID:    id.UserID,
			ExpertID:  rt.expertID,
			Model:     rt.model,
			Question:  req.Message,
			Answer:    out.Text,
			CreatedAt: time.Now(),
		}
		rl.pending.Add(1)
		go func() {
			defer rl.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), expertLogTimeout)
			defer cancel()
			if err := rl.expertLog.AppendExpertLog(ctx, rec); err != nil {
				log.Error("failed to append expert log %s: %v", rec.ID, err)
			}
		}()
	}

	rl.metrics.IncrementRequests(out.Status.String())
	rl.metrics.AddOutput(out.Usage.Chunks, out.Usage.Chars)
	rl.usage.Record(usage.Record{
		Key:     id.Key(),
		Model:   rt.model,
		Status:  out.Status.String(),
		Usage:   out.Usage,
		Charged: out.Charged,
	})
}

// Wait blocks until background expert log writes have finished
func (rl *Relay) Wait() {
	rl.pending.Wait()
}

// FallbackMessage is the in-band notice sent when the upstream drops mid-stream
func FallbackMessage(lang string) string {
	if quota.IsChinese(lang) {
		return "\n\n[抱歉，回复生成中断，请稍后重试。]"
	}
	return "\n\n[Sorry, the response was interrupted. Please try again.]"
}

