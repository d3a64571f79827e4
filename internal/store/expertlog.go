package store

import (
	"context"
	"fmt"
	"time"

	"github.com/FeelPulse/chatrelay/pkg/types"
	"github.com/google/uuid"
)

// AppendExpertLog stores one expert exchange. A missing id or timestamp is filled in.
func (s *SQLiteStore) AppendExpertLog(ctx context.Context, rec *types.ExpertLogRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expert_logs (id, user_id, expert_id, model, question, answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.ExpertID, rec.Model, rec.Question, rec.Answer, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append expert log: %w", err)
	}
	return nil
}

// ListExpertLogs returns the newest records for an expert profile
func (s *SQLiteStore) ListExpertLogs(ctx context.Context, expertID string, limit int) ([]*types.ExpertLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, expert_id, model, question, answer, created_at
		FROM expert_logs
		WHERE expert_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, expertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expert logs: %w", err)
	}
	defer rows.Close()

	var records []*types.ExpertLogRecord
	for rows.Next() {
		var r types.ExpertLogRecord
		var createdUnix int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.ExpertID, &r.Model, &r.Question, &r.Answer, &createdUnix); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdUnix, 0)
		records = append(records, &r)
	}
	return records, rows.Err()
}
