package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertSchedule adds a new channel schedule, including any attached slots.
func (s *Store) InsertSchedule(ctx context.Context, sch *ChannelSchedule) error {
	now := time.Now().UnixMilli()
	if sch.CreatedAt == 0 {
		sch.CreatedAt = now
	}
	if sch.UpdatedAt == 0 {
		sch.UpdatedAt = now
	}
	if sch.Platform == "" {
		sch.Platform = "youtube"
	}
	if sch.ScheduleType == "" {
		sch.ScheduleType = ScheduleDaily
	}
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if sch.Priority == 0 {
		sch.Priority = 3
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO channel_schedules (id, channel_id, platform, schedule_type,
		timezone, priority, active, stream_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.ChannelID, sch.Platform, sch.ScheduleType,
		sch.Timezone, sch.Priority, sch.Active, sch.StreamStatus, sch.CreatedAt, sch.UpdatedAt,
	)
	if err != nil {
		return err
	}
	for i := range sch.Slots {
		slot := &sch.Slots[i]
		slot.ScheduleID = sch.ID
		if slot.CreatedAt == 0 {
			slot.CreatedAt = now
		}
		if err := insertSlotTx(ctx, tx, slot); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSchedule retrieves a schedule by ID with its slots attached.
func (s *Store) GetSchedule(ctx context.Context, id string) (*ChannelSchedule, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, channel_id, platform, schedule_type, timezone, priority,
		active, stream_status, created_at, updated_at
		FROM channel_schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		return nil, nil
	}
	sch.Slots, err = s.SlotsFor(ctx, sch.ID)
	return sch, err
}

// GetScheduleByChannel returns the schedule for a (channel, platform) pair,
// or nil when none exists.
func (s *Store) GetScheduleByChannel(ctx context.Context, channelID, platform string) (*ChannelSchedule, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, channel_id, platform, schedule_type, timezone, priority,
		active, stream_status, created_at, updated_at
		FROM channel_schedules WHERE channel_id = ? AND platform = ? LIMIT 1`,
		channelID, platform)
	sch, err := scanSchedule(row)
	if err != nil || sch == nil {
		return sch, err
	}
	sch.Slots, err = s.SlotsFor(ctx, sch.ID)
	return sch, err
}

// ActiveSchedules returns all active schedules with their slots.
func (s *Store) ActiveSchedules(ctx context.Context) ([]*ChannelSchedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, channel_id, platform, schedule_type, timezone, priority,
		active, stream_status, created_at, updated_at
		FROM channel_schedules WHERE active = 1 ORDER BY priority DESC, created_at ASC`)
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

// ListSchedules returns all schedules (active and inactive), slots attached.
func (s *Store) ListSchedules(ctx context.Context) ([]*ChannelSchedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, channel_id, platform, schedule_type, timezone, priority,
		active, stream_status, created_at, updated_at
		FROM channel_schedules ORDER BY created_at DESC`)
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

// UpdateSchedule updates a schedule's mutable fields (not its slots).
func (s *Store) UpdateSchedule(ctx context.Context, sch *ChannelSchedule) error {
	sch.UpdatedAt = time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channel_schedules SET schedule_type=?, timezone=?, priority=?,
		active=?, updated_at=? WHERE id=?`,
		sch.ScheduleType, sch.Timezone, sch.Priority, sch.Active, sch.UpdatedAt, sch.ID,
	)
	return err
}

// SetStreamStatus records the channel's last observed stream status. It
// does not bump updated_at: status observations happen inside the tick and
// must not trigger the schedule-change watcher.
func (s *Store) SetStreamStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channel_schedules SET stream_status = ? WHERE id = ?`, status, id)
	return err
}

// DeactivateSchedule marks a schedule inactive. Schedules are never deleted;
// history stays attached.
func (s *Store) DeactivateSchedule(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channel_schedules SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// SlotsFor returns all slots for a schedule, stable order.
func (s *Store) SlotsFor(ctx context.Context, scheduleID string) ([]TimeSlot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, schedule_id, day_of_week, time_of_day, priority_modifier,
		temporary, revert_at, created_at
		FROM time_slots WHERE schedule_id = ?
		ORDER BY day_of_week, time_of_day`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []TimeSlot
	for rows.Next() {
		var sl TimeSlot
		var revertAt sql.NullInt64
		if err := rows.Scan(&sl.ID, &sl.ScheduleID, &sl.DayOfWeek, &sl.TimeOfDay,
			&sl.PriorityModifier, &sl.Temporary, &revertAt, &sl.CreatedAt); err != nil {
			return nil, err
		}
		if revertAt.Valid {
			sl.RevertAt = &revertAt.Int64
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

// InsertSlot adds a slot and bumps the parent schedule's updated_at so
// watchers notice the change.
func (s *Store) InsertSlot(ctx context.Context, slot *TimeSlot) error {
	if slot.CreatedAt == 0 {
		slot.CreatedAt = time.Now().UnixMilli()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertSlotTx(ctx, tx, slot); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE channel_schedules SET updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), slot.ScheduleID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSlotTx(ctx context.Context, tx *sql.Tx, slot *TimeSlot) error {
	var revertAt any
	if slot.RevertAt != nil {
		revertAt = *slot.RevertAt
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO time_slots (id, schedule_id, day_of_week, time_of_day,
		priority_modifier, temporary, revert_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.ScheduleID, slot.DayOfWeek, slot.TimeOfDay,
		slot.PriorityModifier, slot.Temporary, revertAt, slot.CreatedAt,
	)
	return err
}

// DeleteSlot removes one slot.
func (s *Store) DeleteSlot(ctx context.Context, slotID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM time_slots WHERE id = ?`, slotID)
	return err
}

// DeleteExpiredTemporarySlots removes temporary escalation slots whose
// reversal time has passed, returning the affected schedule IDs so callers
// can log the reversal.
func (s *Store) DeleteExpiredTemporarySlots(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`DELETE FROM time_slots
		WHERE temporary = 1 AND revert_at IS NOT NULL AND revert_at <= ?
		RETURNING schedule_id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row *sql.Row) (*ChannelSchedule, error) {
	sch, err := scanScheduleFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sch, err
}

func scanScheduleRows(rows *sql.Rows) (*ChannelSchedule, error) {
	return scanScheduleFrom(rows)
}

func scanScheduleFrom(r rowScanner) (*ChannelSchedule, error) {
	var sch ChannelSchedule
	err := r.Scan(&sch.ID, &sch.ChannelID, &sch.Platform, &sch.ScheduleType,
		&sch.Timezone, &sch.Priority, &sch.Active, &sch.StreamStatus,
		&sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sch, nil
}
