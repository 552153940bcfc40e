package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetQuotaDay returns the ledger counters for a day, zero-valued when the
// day has no row yet (implicit reset at day boundary).
func (s *Store) GetQuotaDay(ctx context.Context, day string) (QuotaDay, error) {
	qd := QuotaDay{Day: day}
	err := s.DB.QueryRowContext(ctx,
		`SELECT used, emergency_used, locked FROM quota_days WHERE day = ?`,
		day).Scan(&qd.Used, &qd.EmergencyUsed, &qd.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return qd, nil
	}
	return qd, err
}

// AddQuotaUsed atomically increments the day's used counter.
func (s *Store) AddQuotaUsed(ctx context.Context, day string, cost int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO quota_days (day, used) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET used = used + excluded.used`,
		day, cost)
	return err
}

// AddEmergencyUsed atomically increments the day's emergency counter.
func (s *Store) AddEmergencyUsed(ctx context.Context, day string, amount int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO quota_days (day, emergency_used) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET emergency_used = emergency_used + excluded.emergency_used`,
		day, amount)
	return err
}

// LockQuotaDay marks the day locked out. The flag persists until rollover:
// new days have no row and are therefore unlocked.
func (s *Store) LockQuotaDay(ctx context.Context, day string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO quota_days (day, locked) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET locked = 1`, day)
	return err
}

// UpsertQuotaUsage increments the per-(schedule, day) usage row and
// recomputes its efficiency score in one statement.
func (s *Store) UpsertQuotaUsage(ctx context.Context, scheduleID, day string, calls, found int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO quota_usage (schedule_id, day, api_calls_used, videos_found, efficiency_score)
		VALUES (?, ?, ?, ?, CASE WHEN ? > 0 THEN CAST(? AS REAL) / ? * 100 ELSE 0 END)
		ON CONFLICT(schedule_id, day) DO UPDATE SET
			api_calls_used = api_calls_used + excluded.api_calls_used,
			videos_found   = videos_found + excluded.videos_found,
			efficiency_score = CASE WHEN api_calls_used + excluded.api_calls_used > 0
				THEN CAST(videos_found + excluded.videos_found AS REAL)
				     / (api_calls_used + excluded.api_calls_used) * 100
				ELSE 0 END`,
		scheduleID, day, calls, found, calls, found, calls)
	return err
}

// GetQuotaUsage returns the usage row for a (schedule, day) pair,
// zero-valued when absent.
func (s *Store) GetQuotaUsage(ctx context.Context, scheduleID, day string) (QuotaUsage, error) {
	u := QuotaUsage{ScheduleID: scheduleID, Day: day}
	err := s.DB.QueryRowContext(ctx,
		`SELECT api_calls_used, videos_found, efficiency_score
		FROM quota_usage WHERE schedule_id = ? AND day = ?`,
		scheduleID, day).Scan(&u.APICallsUsed, &u.VideosFound, &u.EfficiencyScore)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	return u, err
}

// QuotaUsageForDay returns all per-schedule usage rows for a day.
func (s *Store) QuotaUsageForDay(ctx context.Context, day string) ([]QuotaUsage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT schedule_id, day, api_calls_used, videos_found, efficiency_score
		FROM quota_usage WHERE day = ? ORDER BY api_calls_used DESC`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuotaUsage
	for rows.Next() {
		var u QuotaUsage
		if err := rows.Scan(&u.ScheduleID, &u.Day, &u.APICallsUsed, &u.VideosFound,
			&u.EfficiencyScore); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
