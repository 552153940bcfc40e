package ronde

import "errors"

// ErrDuplicateSchedule is returned when a channel already has a schedule on
// the same platform.
var ErrDuplicateSchedule = errors.New("ronde: schedule for this channel already exists")

// ErrInvalidInput is returned when schedule input fails validation.
var ErrInvalidInput = errors.New("ronde: invalid input")

// ErrNotFound is returned when a schedule does not exist.
var ErrNotFound = errors.New("ronde: schedule not found")

// ErrQuotaExhausted is returned when the daily API budget refuses an
// operation.
var ErrQuotaExhausted = errors.New("ronde: daily quota exhausted")
