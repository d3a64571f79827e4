package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FeelPulse/chatrelay/internal/quota"
	"github.com/FeelPulse/chatrelay/pkg/types"
)

var testPlans = map[string]quota.Allowance{
	"free": {MonthlyImages: 3, DailyExternal: 2},
	"pro":  {MonthlyImages: 100, MonthlyVideos: 10, MonthlyAudios: 10, DailyExternal: 50},
}

func newTestStore(t *testing.T) (*SQLiteStore, *time.Time) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 1, 31, 10, 0, 0, 0, time.Local)
	store.now = func() time.Time { return now }
	store.SetPlans(testPlans)
	return store, &now
}

func TestSQLiteStore_CreateAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	// Verify database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := store.Ping(); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestWallet_SeedIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.SeedWalletForPlan(ctx, "u1", "free"); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	if err := store.ConsumeQuota(ctx, "u1", quota.KindImage, 2); err != nil {
		t.Fatal(err)
	}
	// Reseeding must not reset usage
	if err := store.SeedWalletForPlan(ctx, "u1", "free"); err != nil {
		t.Fatal(err)
	}
	left, err := store.Remaining(ctx, "u1", quota.KindImage)
	if err != nil {
		t.Fatal(err)
	}
	if left != 1 {
		t.Errorf("remaining images = %d, want 1", left)
	}
}

func TestWallet_UnknownUser(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.CheckQuota(context.Background(), "ghost", quota.KindImage, 1); err == nil {
		t.Error("expected error for unseeded user")
	}
}

func TestWallet_CheckAndConsume(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	store.SeedWalletForPlan(ctx, "u1", "free")

	ok, err := store.CheckQuota(ctx, "u1", quota.KindImage, 3)
	if err != nil || !ok {
		t.Fatalf("3 images should fit: ok=%v err=%v", ok, err)
	}
	ok, _ = store.CheckQuota(ctx, "u1", quota.KindImage, 4)
	if ok {
		t.Error("4 images should not fit a free plan")
	}
	ok, _ = store.CheckQuota(ctx, "u1", quota.KindVideo, 1)
	if ok {
		t.Error("free plan has no video allowance")
	}

	store.ConsumeQuota(ctx, "u1", quota.KindImage, 3)
	ok, _ = store.CheckQuota(ctx, "u1", quota.KindImage, 1)
	if ok {
		t.Error("image allowance should be spent")
	}
}

func TestWallet_UpgradeTakesEffect(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	store.SeedWalletForPlan(ctx, "u1", "free")
	store.ConsumeQuota(ctx, "u1", quota.KindImage, 3)

	store.SeedWalletForPlan(ctx, "u1", "pro")
	tier, _ := store.Tier(ctx, "u1")
	if tier != "pro" {
		t.Errorf("tier = %s, want pro", tier)
	}
	left, _ := store.Remaining(ctx, "u1", quota.KindImage)
	if left != 97 {
		t.Errorf("remaining = %d, want 97", left)
	}
}

func TestWallet_DailyExternalResetsAtMidnight(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	store.SeedWalletForPlan(ctx, "u1", "free")

	store.ConsumeDailyExternalQuota(ctx, "u1")
	store.ConsumeDailyExternalQuota(ctx, "u1")
	if ok, _ := store.CheckDailyExternalQuota(ctx, "u1"); ok {
		t.Fatal("daily budget should be spent")
	}

	*now = time.Date(2026, 1, 31, 23, 59, 0, 0, time.Local)
	if ok, _ := store.CheckDailyExternalQuota(ctx, "u1"); ok {
		t.Error("budget should still be spent before midnight")
	}

	*now = time.Date(2026, 2, 1, 0, 0, 0, 0, time.Local)
	if ok, _ := store.CheckDailyExternalQuota(ctx, "u1"); !ok {
		t.Error("budget should reset at local midnight")
	}
}

func TestWallet_MonthlyCycle(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	store.SeedWalletForPlan(ctx, "u1", "free")
	store.ConsumeQuota(ctx, "u1", quota.KindImage, 3)

	*now = now.AddDate(0, 0, 20)
	if left, _ := store.Remaining(ctx, "u1", quota.KindImage); left != 0 {
		t.Errorf("mid-cycle remaining = %d, want 0", left)
	}

	*now = now.AddDate(0, 0, 20)
	if left, _ := store.Remaining(ctx, "u1", quota.KindImage); left != 3 {
		t.Errorf("next-cycle remaining = %d, want 3", left)
	}
}

func TestNextCycle(t *testing.T) {
	anchor := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{anchor, time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)},
		{time.Date(2026, 2, 15, 8, 59, 0, 0, time.UTC), time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)},
		{time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 15, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextCycle(anchor, tt.now); !got.Equal(tt.want) {
			t.Errorf("nextCycle(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestExpertLog_AppendAndList(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	first := &types.ExpertLogRecord{UserID: "u1", ExpertID: "lawyer", Model: "m", Question: "q1", Answer: "a1"}
	if err := store.AppendExpertLog(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.ID == "" {
		t.Error("id should be assigned")
	}

	*now = now.Add(time.Minute)
	store.AppendExpertLog(ctx, &types.ExpertLogRecord{UserID: "u2", ExpertID: "lawyer", Question: "q2", Answer: "a2"})
	store.AppendExpertLog(ctx, &types.ExpertLogRecord{UserID: "u1", ExpertID: "doctor", Question: "q3", Answer: "a3"})

	records, err := store.ListExpertLogs(ctx, "lawyer", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Question != "q2" || records[1].Question != "q1" {
		t.Errorf("records not newest first: %s, %s", records[0].Question, records[1].Question)
	}
	if records[1].Answer != "a1" || records[1].UserID != "u1" {
		t.Errorf("record mismatch: %+v", records[1])
	}
}
