package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FeelPulse/chatrelay/internal/quota"
)

// ErrNoWallet is returned when a user was never seeded
var ErrNoWallet = errors.New("wallet not found")

// Balances track usage rather than what is left, so a plan change takes
// effect immediately: remaining = allowance(current tier) - used.

// SeedWalletForPlan creates the user's wallet on first sight and keeps the
// recorded tier in step with the plan in force.
func (s *SQLiteStore) SeedWalletForPlan(ctx context.Context, userID, tier string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, tier, cycle_anchor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at
		WHERE wallets.tier != excluded.tier
	`, userID, tier, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to seed wallet: %w", err)
	}
	return nil
}

// CheckQuota reports whether the user can spend amount units of kind
func (s *SQLiteStore) CheckQuota(ctx context.Context, userID string, kind quota.Kind, amount int) (bool, error) {
	left, err := s.Remaining(ctx, userID, kind)
	if err != nil {
		return false, err
	}
	return left >= amount, nil
}

// ConsumeQuota records amount units of kind as used
func (s *SQLiteStore) ConsumeQuota(ctx context.Context, userID string, kind quota.Kind, amount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	w, err := s.wallet(ctx, tx, userID)
	if err != nil {
		return err
	}
	used, periodEnd, err := s.balance(ctx, tx, w, kind)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, kind, used, period_end) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET used = excluded.used, period_end = excluded.period_end
	`, userID, string(kind), used+amount, periodEnd.Unix())
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", kind, err)
	}
	return tx.Commit()
}

// CheckDailyExternalQuota reports whether the user has a premium turn left today
func (s *SQLiteStore) CheckDailyExternalQuota(ctx context.Context, userID string) (bool, error) {
	return s.CheckQuota(ctx, userID, quota.KindDailyExternal, 1)
}

// ConsumeDailyExternalQuota uses one premium turn
func (s *SQLiteStore) ConsumeDailyExternalQuota(ctx context.Context, userID string) error {
	return s.ConsumeQuota(ctx, userID, quota.KindDailyExternal, 1)
}

// Remaining returns what is left of kind in the current period
func (s *SQLiteStore) Remaining(ctx context.Context, userID string, kind quota.Kind) (int, error) {
	w, err := s.wallet(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	used, _, err := s.balance(ctx, s.db, w, kind)
	if err != nil {
		return 0, err
	}
	left := s.allowance(w.tier).Of(kind) - used
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Tier returns the tier recorded for the user
func (s *SQLiteStore) Tier(ctx context.Context, userID string) (string, error) {
	w, err := s.wallet(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	return w.tier, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type walletRow struct {
	userID string
	tier   string
	anchor time.Time
}

func (s *SQLiteStore) wallet(ctx context.Context, q querier, userID string) (walletRow, error) {
	var w walletRow
	var anchor int64
	err := q.QueryRowContext(ctx, `SELECT user_id, tier, cycle_anchor FROM wallets WHERE user_id = ?`, userID).
		Scan(&w.userID, &w.tier, &anchor)
	if err == sql.ErrNoRows {
		return walletRow{}, fmt.Errorf("%w: %s", ErrNoWallet, userID)
	}
	if err != nil {
		return walletRow{}, fmt.Errorf("failed to load wallet: %w", err)
	}
	w.anchor = time.Unix(anchor, 0)
	return w, nil
}

// balance returns usage for the current period. A row whose period ended
// counts as zero usage with a fresh boundary.
func (s *SQLiteStore) balance(ctx context.Context, q querier, w walletRow, kind quota.Kind) (int, time.Time, error) {
	now := s.now()
	var used int
	var periodEnd int64
	err := q.QueryRowContext(ctx, `SELECT used, period_end FROM balances WHERE user_id = ? AND kind = ?`, w.userID, string(kind)).
		Scan(&used, &periodEnd)
	if err != nil && err != sql.ErrNoRows {
		return 0, time.Time{}, fmt.Errorf("failed to load balance: %w", err)
	}
	if err == nil && now.Unix() < periodEnd {
		return used, time.Unix(periodEnd, 0), nil
	}
	return 0, periodBoundary(kind, w.anchor, now), nil
}

func (s *SQLiteStore) allowance(tier string) quota.Allowance {
	s.plansMu.RLock()
	defer s.plansMu.RUnlock()
	if a, ok := s.plans[tier]; ok {
		return a
	}
	return s.plans["free"]
}

// periodBoundary returns when the current period for kind ends. The daily
// budget resets at local midnight; media budgets follow the monthly cycle
// that started when the wallet was created.
func periodBoundary(kind quota.Kind, anchor, now time.Time) time.Time {
	if kind == quota.KindDailyExternal {
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	}
	return nextCycle(anchor, now)
}

func nextCycle(anchor, now time.Time) time.Time {
	months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	if months < 0 {
		months = 0
	}
	end := anchor.AddDate(0, months, 0)
	for !end.After(now) {
		months++
		end = anchor.AddDate(0, months, 0)
	}
	return end
}
