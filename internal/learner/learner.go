// Package learner derives posting-pattern knowledge from outcome history.
// It is a pure consumer of outcome records: patterns are recomputed from
// scratch on every pass and replaced wholesale, so a learning run is
// idempotent and survives any crash between passes.
package learner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/ronde/internal/store"
)

// Config tunes the learner.
type Config struct {
	// Window is how far back outcomes are considered. Default: 30 days.
	Window time.Duration
	// MinDataPoints is the minimum outcomes a (day, hour) bucket needs
	// before it counts as a learned pattern. Default: 10.
	MinDataPoints int
	// TopSlots is how many add-slot suggestions one pass may produce.
	// Default: 3.
	TopSlots int
	// RemoveBelow is the success-rate floor under which an existing slot
	// draws a removal suggestion. Default: 0.10.
	RemoveBelow float64
	// SlotMatchWindow treats an existing slot within this distance of a
	// candidate hour as already covering it. Default: 1h.
	SlotMatchWindow time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 30 * 24 * time.Hour
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = 10
	}
	if c.TopSlots <= 0 {
		c.TopSlots = 3
	}
	if c.RemoveBelow <= 0 {
		c.RemoveBelow = 0.10
	}
	if c.SlotMatchWindow <= 0 {
		c.SlotMatchWindow = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Learner recomputes patterns and proposes schedule adjustments.
type Learner struct {
	st  *store.Store
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New builds a learner over the store.
func New(st *store.Store, cfg Config) *Learner {
	cfg.defaults()
	return &Learner{st: st, cfg: cfg, log: cfg.Logger, now: time.Now}
}

// SetClock overrides the learner's notion of now. Tests only.
func (l *Learner) SetClock(now func() time.Time) { l.now = now }

// UpdatePatterns recomputes the learned buckets for one schedule from its
// outcome window and replaces the stored set. Buckets below MinDataPoints
// are dropped: thin evidence is worse than none.
func (l *Learner) UpdatePatterns(ctx context.Context, scheduleID string) error {
	sch, err := l.st.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("update patterns %s: %w", scheduleID, err)
	}
	if sch == nil {
		return fmt.Errorf("update patterns %s: schedule not found", scheduleID)
	}

	since := l.now().Add(-l.cfg.Window)
	buckets, err := l.st.OutcomeBuckets(ctx, scheduleID, since, scheduleLocation(sch))
	if err != nil {
		return fmt.Errorf("update patterns %s: %w", scheduleID, err)
	}

	kept := buckets[:0]
	for _, b := range buckets {
		if b.TotalCount >= l.cfg.MinDataPoints {
			kept = append(kept, b)
		}
	}
	if err := l.st.ReplacePatterns(ctx, scheduleID, kept); err != nil {
		return fmt.Errorf("update patterns %s: %w", scheduleID, err)
	}
	l.log.Debug("patterns recomputed",
		"schedule", scheduleID, "buckets", len(kept), "window", l.cfg.Window)
	return nil
}

// UpdateAll recomputes patterns for every active schedule. One schedule
// failing does not stop the pass.
func (l *Learner) UpdateAll(ctx context.Context) error {
	schedules, err := l.st.ActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("update all patterns: %w", err)
	}
	var firstErr error
	for _, sch := range schedules {
		if err := l.UpdatePatterns(ctx, sch.ID); err != nil {
			l.log.Warn("pattern update failed", "schedule", sch.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Multiplier returns the score multiplier for a schedule at a (day, hour):
// 1 + 0.5 * observed success rate when the bucket has samples, 1.0 when it
// has none. The range is therefore [1.0, 1.5].
func (l *Learner) Multiplier(ctx context.Context, scheduleID string, dayOfWeek, hour int) float64 {
	p, err := l.st.PatternBucket(ctx, scheduleID, dayOfWeek, hour)
	if err != nil {
		l.log.Warn("pattern lookup failed", "schedule", scheduleID, "error", err)
		return 1.0
	}
	if p == nil || p.TotalCount == 0 {
		return 1.0
	}
	return 1.0 + 0.5*(float64(p.SuccessCount)/float64(p.TotalCount))
}

// Predictability scores how regular a channel's content cadence is, in
// (0, 1]. It is 1/(1+cv) over the intervals between content-found checks;
// fewer than 3 found samples floors it at 0.1 — not enough evidence to
// call anything regular.
func (l *Learner) Predictability(ctx context.Context, scheduleID string) (float64, error) {
	since := l.now().Add(-l.cfg.Window)
	recs, err := l.st.OutcomesForSchedule(ctx, scheduleID, since)
	if err != nil {
		return 0, fmt.Errorf("predictability %s: %w", scheduleID, err)
	}

	var found []int64
	for _, r := range recs {
		if r.ContentFound {
			found = append(found, r.CheckTime)
		}
	}
	if len(found) < 3 {
		return 0.1, nil
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })

	intervals := make([]float64, 0, len(found)-1)
	for i := 1; i < len(found); i++ {
		intervals = append(intervals, float64(found[i]-found[i-1]))
	}
	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return 0.1, nil
	}
	variance := 0.0
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean
	return 1.0 / (1.0 + cv), nil
}

func scheduleLocation(sch *store.ChannelSchedule) *time.Location {
	if sch.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// slotHour parses the hour out of a "15:04" time-of-day. Malformed values
// return -1 and never match anything.
func slotHour(timeOfDay string) int {
	h, _, ok := strings.Cut(timeOfDay, ":")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(h)
	if err != nil || n < 0 || n > 23 {
		return -1
	}
	return n
}
