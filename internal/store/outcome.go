package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertOutcome appends one check outcome. Records are immutable once
// written.
func (s *Store) InsertOutcome(ctx context.Context, rec *OutcomeRecord) error {
	if rec.CheckTime == 0 {
		rec.CheckTime = time.Now().UnixMilli()
	}
	if rec.APICallsMade == 0 {
		rec.APICallsMade = 1
	}
	if rec.ResultType == "" {
		rec.ResultType = ResultScheduled
	}
	var schedID any
	if rec.ScheduleID != nil {
		schedID = *rec.ScheduleID
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO outcome_records (id, schedule_id, channel_id, check_time,
		content_found, api_calls_made, result_type, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, schedID, rec.ChannelID, rec.CheckTime,
		rec.ContentFound, rec.APICallsMade, rec.ResultType, rec.ResponseTimeMs,
	)
	return err
}

// OutcomesForSchedule returns outcomes for a schedule since the given time,
// newest first.
func (s *Store) OutcomesForSchedule(ctx context.Context, scheduleID string, since time.Time) ([]*OutcomeRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, schedule_id, channel_id, check_time, content_found,
		api_calls_made, result_type, response_time_ms
		FROM outcome_records
		WHERE schedule_id = ? AND check_time >= ?
		ORDER BY check_time DESC`, scheduleID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// LatestOutcomeTime returns the newest check time for a schedule in unix
// milliseconds, or 0 when the schedule has never been checked.
func (s *Store) LatestOutcomeTime(ctx context.Context, scheduleID string) (int64, error) {
	var t sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(check_time) FROM outcome_records WHERE schedule_id = ?`,
		scheduleID).Scan(&t)
	if err != nil {
		return 0, err
	}
	return t.Int64, nil
}

// ScheduleEffectiveness returns (successes, total) for a schedule's
// outcomes since the given time.
func (s *Store) ScheduleEffectiveness(ctx context.Context, scheduleID string, since time.Time) (successes, total int, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(content_found), 0), COUNT(*)
		FROM outcome_records
		WHERE schedule_id = ? AND check_time >= ?`,
		scheduleID, since.UnixMilli()).Scan(&successes, &total)
	return successes, total, err
}

// ChannelActivitySince aggregates outcomes per channel since the given
// time. Channels with no outcomes in the window do not appear.
func (s *Store) ChannelActivitySince(ctx context.Context, since time.Time) ([]ChannelActivity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT channel_id,
		        COUNT(*),
		        COALESCE(SUM(content_found), 0),
		        COALESCE(MAX(check_time), 0),
		        COALESCE(MAX(CASE WHEN content_found = 1 THEN check_time END), 0),
		        COALESCE(SUM(api_calls_made), 0)
		FROM outcome_records
		WHERE check_time >= ?
		GROUP BY channel_id`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelActivity
	for rows.Next() {
		var a ChannelActivity
		if err := rows.Scan(&a.ChannelID, &a.Checks, &a.Successes, &a.LastCheck,
			&a.LastFound, &a.TotalAPICost); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// StaleActiveSchedules returns active schedules created before the cutoff
// whose most recent outcome (if any) is also older than the cutoff. Slots
// are attached.
func (s *Store) StaleActiveSchedules(ctx context.Context, cutoff time.Time) ([]*ChannelSchedule, error) {
	cut := cutoff.UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT cs.id, cs.channel_id, cs.platform, cs.schedule_type, cs.timezone,
		        cs.priority, cs.active, cs.stream_status, cs.created_at, cs.updated_at
		FROM channel_schedules cs
		WHERE cs.active = 1
		  AND cs.created_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM outcome_records o
			WHERE o.schedule_id = cs.id AND o.check_time >= ?
		  )
		ORDER BY cs.priority DESC`, cut, cut)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*ChannelSchedule
	for rows.Next() {
		sch, err := scanScheduleRows(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sch := range scheds {
		sch.Slots, err = s.SlotsFor(ctx, sch.ID)
		if err != nil {
			return nil, err
		}
	}
	return scheds, nil
}

// PruneOutcomes deletes records older than the learning window. Returns the
// number of rows removed.
func (s *Store) PruneOutcomes(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM outcome_records WHERE check_time < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOutcomes(rows *sql.Rows) ([]*OutcomeRecord, error) {
	var out []*OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var schedID sql.NullString
		if err := rows.Scan(&rec.ID, &schedID, &rec.ChannelID, &rec.CheckTime,
			&rec.ContentFound, &rec.APICallsMade, &rec.ResultType, &rec.ResponseTimeMs); err != nil {
			return nil, err
		}
		if schedID.Valid {
			rec.ScheduleID = &schedID.String
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
