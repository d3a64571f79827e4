// Package quota gates metered chat turns.
//
// Gatekeeper runs in two phases around a relayed response. Preflight checks
// (and for first-time users seeds) the caller's balance before anything is
// sent upstream. Settle charges afterwards, and only when the response
// actually produced content for a signed-in user.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FeelPulse/chatrelay/internal/auth"
	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/FeelPulse/chatrelay/internal/ratelimit"
)

// Kind is a metered resource class
type Kind string

const (
	KindImage         Kind = "image"
	KindVideo         Kind = "video"
	KindAudio         Kind = "audio"
	KindDailyExternal Kind = "daily_external"
)

var (
	// ErrQuotaExceeded is wrapped by every *QuotaError
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrRateLimited is wrapped by every *RateLimitError
	ErrRateLimited = errors.New("rate limit exceeded")
)

// QuotaError reports which balance ran out
type QuotaError struct {
	Kind Kind
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %s", ErrQuotaExceeded, e.Kind)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// Message returns the user-facing text. lang "zh" (or any zh-* tag) selects
// Chinese; everything else gets English.
func (e *QuotaError) Message(lang string) string {
	zh := IsChinese(lang)
	switch e.Kind {
	case KindImage:
		if zh {
			return "本月图片额度已用完，请升级套餐或下月再试。"
		}
		return "Your monthly image allowance is used up. Upgrade your plan or try again next month."
	case KindVideo:
		if zh {
			return "本月视频额度已用完，请升级套餐或下月再试。"
		}
		return "Your monthly video allowance is used up. Upgrade your plan or try again next month."
	case KindAudio:
		if zh {
			return "本月音频额度已用完，请升级套餐或下月再试。"
		}
		return "Your monthly audio allowance is used up. Upgrade your plan or try again next month."
	default:
		if zh {
			return "今日高级模型次数已用完，请明天再试或升级套餐。"
		}
		return "You have reached today's limit for premium models. Try again tomorrow or upgrade your plan."
	}
}

// RateLimitError is returned when a guest exceeds the daily allowance
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %d/%d", ErrRateLimited, e.Decision.Count, e.Decision.Limit)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Message returns the user-facing text for a rate limited guest
func (e *RateLimitError) Message(lang string) string {
	if IsChinese(lang) {
		return fmt.Sprintf("游客每日最多可发送 %d 条消息，请登录后继续使用。", e.Decision.Limit)
	}
	return fmt.Sprintf("Guests can send up to %d messages per day. Sign in to keep chatting.", e.Decision.Limit)
}

// IsChinese implements the two-value language switch
func IsChinese(lang string) bool {
	return len(lang) >= 2 && (lang[:2] == "zh" || lang[:2] == "ZH")
}

// Allowance is the per-plan budget a wallet is seeded with
type Allowance struct {
	MonthlyImages int
	MonthlyVideos int
	MonthlyAudios int
	DailyExternal int
}

// Of returns the budget for kind
func (a Allowance) Of(kind Kind) int {
	switch kind {
	case KindImage:
		return a.MonthlyImages
	case KindVideo:
		return a.MonthlyVideos
	case KindAudio:
		return a.MonthlyAudios
	case KindDailyExternal:
		return a.DailyExternal
	}
	return 0
}

// Wallet is the balance store behind the gatekeeper
type Wallet interface {
	// SeedWalletForPlan creates the user's balances for tier if missing.
	// Repeated calls must be harmless.
	SeedWalletForPlan(ctx context.Context, userID, tier string) error
	CheckQuota(ctx context.Context, userID string, kind Kind, amount int) (bool, error)
	ConsumeQuota(ctx context.Context, userID string, kind Kind, amount int) error
	CheckDailyExternalQuota(ctx context.Context, userID string) (bool, error)
	ConsumeDailyExternalQuota(ctx context.Context, userID string) error
}

// Shape describes what a turn will consume
type Shape struct {
	Model   string
	General bool // plain chat on the general-purpose model
	Expert  bool
	Images  int
	Videos  int
	Audios  int
}

// Classes returns the metered classes this turn draws on. A text-only turn
// on the general model is free.
func (s Shape) Classes() []Kind {
	var kinds []Kind
	if s.Images > 0 {
		kinds = append(kinds, KindImage)
	}
	if s.Videos > 0 {
		kinds = append(kinds, KindVideo)
	}
	if s.Audios > 0 {
		kinds = append(kinds, KindAudio)
	}
	if len(kinds) == 0 && !s.General {
		kinds = append(kinds, KindDailyExternal)
	}
	return kinds
}

// Amount returns how many units of kind the turn consumes
func (s Shape) Amount(kind Kind) int {
	switch kind {
	case KindImage:
		return s.Images
	case KindVideo:
		return s.Videos
	case KindAudio:
		return s.Audios
	case KindDailyExternal:
		return 1
	}
	return 0
}

// Decision is the result of a successful Preflight
type Decision struct {
	Tier      string
	Classes   []Kind
	RateLimit *ratelimit.Decision // guests only
}

// SettleInput carries what Settle needs from the finished relay
type SettleInput struct {
	HasContentOutput bool
}

// SettleResult reports what Settle did
type SettleResult struct {
	Charged bool
	Failed  []Kind // classes whose charge failed (logged, never surfaced)
}

// Gatekeeper implements the preflight/settle protocol
type Gatekeeper struct {
	wallet  Wallet
	limiter ratelimit.RateLimiter
	now     func() time.Time
	log     *logger.Logger
}

// NewGatekeeper creates a gatekeeper over wallet (signed-in users) and
// limiter (guests)
func NewGatekeeper(wallet Wallet, limiter ratelimit.RateLimiter) *Gatekeeper {
	return &Gatekeeper{
		wallet:  wallet,
		limiter: limiter,
		now:     time.Now,
		log:     logger.GetDefaultLogger().WithComponent("quota"),
	}
}

// Preflight decides whether the turn may proceed. Guests only count against
// the per-IP limiter. Signed-in users get their wallet seeded and every
// metered class checked.
func (g *Gatekeeper) Preflight(ctx context.Context, id auth.Identity, shape Shape) (Decision, error) {
	if id.IsGuest() {
		d := g.limiter.CheckAndIncrement(id.IP)
		if !d.Allowed {
			return Decision{}, &RateLimitError{Decision: d}
		}
		return Decision{RateLimit: &d}, nil
	}

	tier := id.EffectiveTier(g.now())
	if err := g.wallet.SeedWalletForPlan(ctx, id.UserID, tier); err != nil {
		return Decision{}, fmt.Errorf("failed to seed wallet: %w", err)
	}

	classes := shape.Classes()
	for _, kind := range classes {
		var ok bool
		var err error
		if kind == KindDailyExternal {
			ok, err = g.wallet.CheckDailyExternalQuota(ctx, id.UserID)
		} else {
			ok, err = g.wallet.CheckQuota(ctx, id.UserID, kind, shape.Amount(kind))
		}
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check %s quota: %w", kind, err)
		}
		if !ok {
			return Decision{}, &QuotaError{Kind: kind}
		}
	}
	return Decision{Tier: tier, Classes: classes}, nil
}

// Settle charges the preflighted classes when the response produced content
// for a signed-in user. It never returns an error; failed charges are logged
// because the user already received the answer.
func (g *Gatekeeper) Settle(ctx context.Context, id auth.Identity, shape Shape, in SettleInput) SettleResult {
	if !in.HasContentOutput || !id.IsAuthenticated() {
		return SettleResult{}
	}

	res := SettleResult{Charged: true}
	for _, kind := range shape.Classes() {
		var err error
		if kind == KindDailyExternal {
			err = g.wallet.ConsumeDailyExternalQuota(ctx, id.UserID)
		} else {
			err = g.wallet.ConsumeQuota(ctx, id.UserID, kind, shape.Amount(kind))
		}
		if err != nil {
			g.log.Error("failed to charge %s for user %s: %v", kind, id.UserID, err)
			res.Failed = append(res.Failed, kind)
		}
	}
	return res
}
