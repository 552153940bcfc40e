package store

import (
	"context"
	"time"
)

// ReplacePatterns wholesale-replaces the learned pattern set for a schedule
// in one transaction. The learner is the only writer of this table.
func (s *Store) ReplacePatterns(ctx context.Context, scheduleID string, patterns []LearnedPattern) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM learned_patterns WHERE schedule_id = ?`, scheduleID); err != nil {
		return err
	}
	for _, p := range patterns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO learned_patterns (schedule_id, day_of_week, hour,
			success_count, total_count, avg_response_time_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			scheduleID, p.DayOfWeek, p.Hour, p.SuccessCount, p.TotalCount,
			p.AvgResponseTimeMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PatternsFor returns the learned buckets for a schedule, best first.
func (s *Store) PatternsFor(ctx context.Context, scheduleID string) ([]LearnedPattern, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT schedule_id, day_of_week, hour, success_count, total_count,
		avg_response_time_ms
		FROM learned_patterns WHERE schedule_id = ?
		ORDER BY success_count DESC, day_of_week, hour`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LearnedPattern
	for rows.Next() {
		var p LearnedPattern
		if err := rows.Scan(&p.ScheduleID, &p.DayOfWeek, &p.Hour, &p.SuccessCount,
			&p.TotalCount, &p.AvgResponseTimeMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PatternBucket returns the learned bucket for one (day, hour), or nil.
func (s *Store) PatternBucket(ctx context.Context, scheduleID string, dayOfWeek, hour int) (*LearnedPattern, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT schedule_id, day_of_week, hour, success_count, total_count,
		avg_response_time_ms
		FROM learned_patterns
		WHERE schedule_id = ? AND day_of_week = ? AND hour = ? LIMIT 1`,
		scheduleID, dayOfWeek, hour)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var p LearnedPattern
	if err := rows.Scan(&p.ScheduleID, &p.DayOfWeek, &p.Hour, &p.SuccessCount,
		&p.TotalCount, &p.AvgResponseTimeMs); err != nil {
		return nil, err
	}
	return &p, nil
}

// OutcomeBuckets aggregates a schedule's outcomes since the given time into
// (day-of-week, hour) buckets, computed in the schedule's timezone by the
// caller having stored check times in UTC milliseconds. Buckets are keyed on
// the UTC-derived day/hour unless loc is non-nil.
func (s *Store) OutcomeBuckets(ctx context.Context, scheduleID string, since time.Time, loc *time.Location) ([]LearnedPattern, error) {
	recs, err := s.OutcomesForSchedule(ctx, scheduleID, since)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	type agg struct {
		success int
		total   int
		respSum int64
	}
	buckets := make(map[[2]int]*agg)
	for _, r := range recs {
		t := time.UnixMilli(r.CheckTime).In(loc)
		key := [2]int{int(t.Weekday()), t.Hour()}
		a := buckets[key]
		if a == nil {
			a = &agg{}
			buckets[key] = a
		}
		a.total++
		if r.ContentFound {
			a.success++
			a.respSum += r.ResponseTimeMs
		}
	}

	var out []LearnedPattern
	for key, a := range buckets {
		p := LearnedPattern{
			ScheduleID:   scheduleID,
			DayOfWeek:    key[0],
			Hour:         key[1],
			SuccessCount: a.success,
			TotalCount:   a.total,
		}
		if a.success > 0 {
			p.AvgResponseTimeMs = float64(a.respSum) / float64(a.success)
		}
		out = append(out, p)
	}
	return out, nil
}
