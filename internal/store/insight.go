package store

import (
	"context"
	"time"
)

// InsertInsight stores an analysis snapshot.
func (s *Store) InsertInsight(ctx context.Context, ins *Insight) error {
	if ins.CreatedAt == 0 {
		ins.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO insights (id, day, payload_json, created_at)
		VALUES (?, ?, ?, ?)`,
		ins.ID, ins.Day, ins.PayloadJSON, ins.CreatedAt)
	return err
}

// RecentInsights returns the latest snapshots, newest first.
func (s *Store) RecentInsights(ctx context.Context, limit int) ([]*Insight, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, day, payload_json, created_at
		FROM insights ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Insight
	for rows.Next() {
		var ins Insight
		if err := rows.Scan(&ins.ID, &ins.Day, &ins.PayloadJSON, &ins.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ins)
	}
	return out, rows.Err()
}
