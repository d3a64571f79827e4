package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/FeelPulse/chatrelay/internal/quota"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists wallets and expert logs to a SQLite database
type SQLiteStore struct {
	db      *sql.DB
	plans   map[string]quota.Allowance
	plansMu sync.RWMutex
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent write performance
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	return &SQLiteStore{
		db:    db,
		plans: map[string]quota.Allowance{},
		now:   time.Now,
	}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		cycle_anchor INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		period_end INTEGER NOT NULL,
		PRIMARY KEY (user_id, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS expert_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expert_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_expert_logs_expert ON expert_logs (expert_id, created_at)`,
}

// SetPlans sets the per-tier allowances wallets are measured against.
// It may be called while requests are served; usage already recorded is kept.
func (s *SQLiteStore) SetPlans(plans map[string]quota.Allowance) {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()
	s.plans = plans
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatrelay", "chatrelay.db")
}
