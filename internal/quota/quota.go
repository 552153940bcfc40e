// Package quota implements the daily budget ledger: admission control per
// operation class, escalating restriction tiers as utilization rises, a
// same-day lockout after an overflow attempt, and a separate day-scoped
// emergency counter for fallback borrowing.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/ronde/internal/store"
)

// ErrExhausted marks an operation refused because the daily budget cannot
// admit it: spent, locked out, or restricted for that class.
var ErrExhausted = errors.New("quota: daily budget exhausted")

// OperationClass identifies a category of external API call.
type OperationClass string

const (
	// ClassSearch is an expensive discovery call.
	ClassSearch OperationClass = "search"
	// ClassList is a cheap listing call.
	ClassList OperationClass = "list"
	// ClassDetail is a cheap per-item detail fetch.
	ClassDetail OperationClass = "detail"
)

// ClassSpec describes one operation class: its cost in budget units and its
// rank. Higher rank survives longer as the budget tightens.
type ClassSpec struct {
	Cost int
	Rank int
}

// Config configures the ledger.
type Config struct {
	// DailyLimit is the nominal daily budget in cost units. Default: 10000.
	DailyLimit int
	// EmergencyFraction is the borrowable reserve beyond the nominal cap,
	// as a fraction of DailyLimit. Default: 0.10.
	EmergencyFraction float64
	// Classes maps operation classes to cost and rank. Defaults mirror the
	// usual video-platform pricing: search is two orders of magnitude more
	// expensive than a detail fetch.
	Classes map[OperationClass]ClassSpec
	// RestrictModerate, RestrictHigh, RestrictCritical are the utilization
	// fractions at which the restriction tier rises. Admission tightens at
	// high and critical; moderate is advisory, surfaced in Status only.
	// Defaults: 0.50, 0.75, 0.90. Tuning constants, not business rules.
	RestrictModerate float64
	RestrictHigh     float64
	RestrictCritical float64
	// Location is the calendar-day boundary timezone. Default: UTC.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.DailyLimit <= 0 {
		c.DailyLimit = 10000
	}
	if c.EmergencyFraction <= 0 {
		c.EmergencyFraction = 0.10
	}
	if c.Classes == nil {
		c.Classes = map[OperationClass]ClassSpec{
			ClassSearch: {Cost: 100, Rank: 1},
			ClassList:   {Cost: 3, Rank: 2},
			ClassDetail: {Cost: 1, Rank: 3},
		}
	}
	if c.RestrictModerate <= 0 {
		c.RestrictModerate = 0.50
	}
	if c.RestrictHigh <= 0 {
		c.RestrictHigh = 0.75
	}
	if c.RestrictCritical <= 0 {
		c.RestrictCritical = 0.90
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Ledger tracks the rolling daily budget. All counters are persisted per
// calendar day so budget state survives restarts; a new day implicitly
// starts clean (no row, no lockout).
type Ledger struct {
	store  *store.Store
	config Config
	logger *slog.Logger

	// mu serialises the read-check-increment sequence in TryReserve and
	// BorrowEmergency. Lost updates here would silently blow the budget.
	mu sync.Mutex

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Ledger.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Ledger {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, config: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the ledger's clock. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Day returns the current ledger day key ("2006-01-02").
func (l *Ledger) Day() string {
	return l.now().In(l.config.Location).Format("2006-01-02")
}

// Cost returns the configured cost of an operation class (0 for unknown).
func (l *Ledger) Cost(class OperationClass) int {
	return l.config.Classes[class].Cost
}

// DailyLimit returns the configured nominal daily budget.
func (l *Ledger) DailyLimit() int { return l.config.DailyLimit }

// Remaining returns the unspent nominal budget for the current day.
// Emergency borrowing is tracked separately and does not reduce this.
func (l *Ledger) Remaining(ctx context.Context) (int, error) {
	qd, err := l.store.GetQuotaDay(ctx, l.Day())
	if err != nil {
		return 0, fmt.Errorf("quota day: %w", err)
	}
	r := l.config.DailyLimit - qd.Used
	if r < 0 {
		r = 0
	}
	return r, nil
}

// Utilization returns used/limit for the current day, in [0, 1+].
func (l *Ledger) Utilization(ctx context.Context) (float64, error) {
	qd, err := l.store.GetQuotaDay(ctx, l.Day())
	if err != nil {
		return 0, fmt.Errorf("quota day: %w", err)
	}
	return float64(qd.Used) / float64(l.config.DailyLimit), nil
}

// TryReserve atomically admits or denies a reservation of the given class.
// cost <= 0 means the class's configured cost. Admission is all-or-nothing:
// a denial never mutates the used counter.
//
// Denials happen for three reasons, in order of evaluation: the day is in
// lockout; the class is restricted at the current utilization tier; the
// reservation would push used past the daily limit. The last case also
// trips the lockout for the remainder of the day — once the budget has
// been overrun by intent, nothing else is admitted until rollover.
func (l *Ledger) TryReserve(ctx context.Context, class OperationClass, cost int) (bool, error) {
	spec, ok := l.config.Classes[class]
	if !ok {
		return false, fmt.Errorf("unknown operation class %q", class)
	}
	if cost <= 0 {
		cost = spec.Cost
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.Day()
	qd, err := l.store.GetQuotaDay(ctx, day)
	if err != nil {
		return false, fmt.Errorf("quota day: %w", err)
	}
	if qd.Locked {
		return false, nil
	}

	util := float64(qd.Used) / float64(l.config.DailyLimit)
	if !l.classAdmitted(spec, util) {
		l.logger.Debug("quota: class restricted",
			"class", class, "utilization", util)
		return false, nil
	}

	if qd.Used+cost > l.config.DailyLimit {
		// Overflow attempt: lock the day out.
		if err := l.store.LockQuotaDay(ctx, day); err != nil {
			return false, fmt.Errorf("lock quota day: %w", err)
		}
		l.logger.Warn("quota: daily limit overflow attempt, locking out",
			"day", day, "used", qd.Used, "cost", cost, "limit", l.config.DailyLimit)
		return false, nil
	}

	if err := l.store.AddQuotaUsed(ctx, day, cost); err != nil {
		return false, fmt.Errorf("add quota used: %w", err)
	}
	return true, nil
}

// Restriction tiers, in rising order of caution.
const (
	RestrictionNone     = "none"
	RestrictionModerate = "moderate"
	RestrictionHigh     = "high"
	RestrictionCritical = "critical"
)

// restriction maps utilization to its tier.
func (l *Ledger) restriction(util float64) string {
	switch {
	case util >= l.config.RestrictCritical:
		return RestrictionCritical
	case util >= l.config.RestrictHigh:
		return RestrictionHigh
	case util >= l.config.RestrictModerate:
		return RestrictionModerate
	default:
		return RestrictionNone
	}
}

// classAdmitted applies the escalating restriction tiers: at critical only
// the highest-rank class is admitted; at high the lowest-rank class is
// blocked; at moderate and below all classes pass the raw budget check.
func (l *Ledger) classAdmitted(spec ClassSpec, util float64) bool {
	maxRank, minRank := spec.Rank, spec.Rank
	for _, s := range l.config.Classes {
		if s.Rank > maxRank {
			maxRank = s.Rank
		}
		if s.Rank < minRank {
			minRank = s.Rank
		}
	}
	switch l.restriction(util) {
	case RestrictionCritical:
		return spec.Rank == maxRank
	case RestrictionHigh:
		return spec.Rank != minRank
	default:
		return true
	}
}

// BorrowEmergency reserves from the emergency counter: up to
// EmergencyFraction of the daily limit beyond the nominal cap, tracked
// separately and also reset at day boundary. Emergency borrowing is not
// subject to the lockout — it exists precisely for the fallback pass when
// the nominal budget is gone.
func (l *Ledger) BorrowEmergency(ctx context.Context, amount int) (bool, error) {
	if amount <= 0 {
		amount = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.Day()
	qd, err := l.store.GetQuotaDay(ctx, day)
	if err != nil {
		return false, fmt.Errorf("quota day: %w", err)
	}
	reserve := int(float64(l.config.DailyLimit) * l.config.EmergencyFraction)
	if qd.EmergencyUsed+amount > reserve {
		return false, nil
	}
	if err := l.store.AddEmergencyUsed(ctx, day, amount); err != nil {
		return false, fmt.Errorf("add emergency used: %w", err)
	}
	return true, nil
}

// RecordOutcome updates the per-(schedule, day) usage row and recomputes
// its efficiency score.
func (l *Ledger) RecordOutcome(ctx context.Context, scheduleID string, found bool, calls int) error {
	if calls <= 0 {
		calls = 1
	}
	videos := 0
	if found {
		videos = 1
	}
	return l.store.UpsertQuotaUsage(ctx, scheduleID, l.Day(), calls, videos)
}

// Status is a point-in-time ledger snapshot for the ops surface.
type Status struct {
	Day           string  `json:"day"`
	DailyLimit    int     `json:"daily_limit"`
	Used          int     `json:"used"`
	Remaining     int     `json:"remaining"`
	EmergencyUsed int     `json:"emergency_used"`
	EmergencyCap  int     `json:"emergency_cap"`
	Locked        bool    `json:"locked"`
	Utilization   float64 `json:"utilization"`
	Restriction   string  `json:"restriction"`
}

// Status returns the current day's snapshot.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	day := l.Day()
	qd, err := l.store.GetQuotaDay(ctx, day)
	if err != nil {
		return Status{}, fmt.Errorf("quota day: %w", err)
	}
	remaining := l.config.DailyLimit - qd.Used
	if remaining < 0 {
		remaining = 0
	}
	util := float64(qd.Used) / float64(l.config.DailyLimit)
	return Status{
		Day:           day,
		DailyLimit:    l.config.DailyLimit,
		Used:          qd.Used,
		Remaining:     remaining,
		EmergencyUsed: qd.EmergencyUsed,
		EmergencyCap:  int(float64(l.config.DailyLimit) * l.config.EmergencyFraction),
		Locked:        qd.Locked,
		Utilization:   util,
		Restriction:   l.restriction(util),
	}, nil
}
