// Package gap watches for channels the scheduler is failing to cover: stale
// schedules get emergency-funded fallback checks, and channels with a
// collapsed success rate get temporary escalation slots until coverage
// recovers. It is the safety net under the adaptive pass, paid for out of
// the emergency quota reserve so a bad day cannot hide a channel entirely.
package gap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/ronde/idgen"
	"github.com/hazyhaar/ronde/internal/quota"
	"github.com/hazyhaar/ronde/internal/sched"
	"github.com/hazyhaar/ronde/internal/store"
	"github.com/hazyhaar/ronde/observability"
)

// Gap severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Dispatcher runs one out-of-band check. Satisfied by *sched.Scheduler.
type Dispatcher interface {
	DispatchNow(ctx context.Context, sch *store.ChannelSchedule, resultType string) (*sched.CheckResult, error)
}

// Config tunes the detector.
type Config struct {
	// Staleness is how long a schedule may go unchecked before it needs a
	// fallback. Default: 4h.
	Staleness time.Duration
	// DetectWindow is the lookback for missed-content detection.
	// Default: 24h.
	DetectWindow time.Duration
	// LowSuccess flags a schedule whose success ratio fell under this.
	// Default: 0.30.
	LowSuccess float64
	// CriticalSuccess marks a gap critical. Default: 0.10.
	CriticalSuccess float64
	// SilentFor flags a schedule whose most recent check is older than
	// this even when its ratio looks fine. Default: 6h.
	SilentFor time.Duration
	// EscalationHours is how many hourly temporary slots a critical gap
	// plants. Default: 6.
	EscalationHours int
	// EscalationTTL is how long escalation slots live. Default: 24h.
	EscalationTTL time.Duration
	// AnalysisWindow is the lookback for the missed-content rollup.
	// Default: 7d.
	AnalysisWindow time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Staleness <= 0 {
		c.Staleness = 4 * time.Hour
	}
	if c.DetectWindow <= 0 {
		c.DetectWindow = 24 * time.Hour
	}
	if c.LowSuccess <= 0 {
		c.LowSuccess = 0.30
	}
	if c.CriticalSuccess <= 0 {
		c.CriticalSuccess = 0.10
	}
	if c.SilentFor <= 0 {
		c.SilentFor = 6 * time.Hour
	}
	if c.EscalationHours <= 0 {
		c.EscalationHours = 6
	}
	if c.EscalationTTL <= 0 {
		c.EscalationTTL = 24 * time.Hour
	}
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Detector finds and repairs coverage gaps.
type Detector struct {
	st       *store.Store
	ledger   *quota.Ledger
	dispatch Dispatcher
	events   *observability.EventLogger
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	newID    idgen.Generator
}

// New wires a detector. events may be nil.
func New(st *store.Store, ledger *quota.Ledger, dispatch Dispatcher, events *observability.EventLogger, cfg Config) *Detector {
	cfg.defaults()
	return &Detector{
		st:       st,
		ledger:   ledger,
		dispatch: dispatch,
		events:   events,
		cfg:      cfg,
		log:      cfg.Logger,
		now:      time.Now,
		newID:    idgen.Prefixed("slot_", idgen.Default),
	}
}

// SetClock overrides the detector's notion of now. Tests only.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// ChannelsNeedingFallback returns active schedules with no outcome inside
// the staleness window.
func (d *Detector) ChannelsNeedingFallback(ctx context.Context) ([]*store.ChannelSchedule, error) {
	return d.st.StaleActiveSchedules(ctx, d.now().Add(-d.cfg.Staleness))
}

// FallbackReport summarises one fallback sweep.
type FallbackReport struct {
	Stale    int `json:"stale"`
	Checked  int `json:"checked"`
	Found    int `json:"found"`
	Refused  int `json:"refused"` // emergency reserve empty
	Errors   int `json:"errors"`
}

// RunFallback checks every stale schedule on borrowed emergency budget.
// Each check borrows one emergency unit; when the reserve runs dry the
// sweep stops and the rest wait for the next day. Emergency borrowing
// works even on a locked-out day: staleness is exactly when the safety
// net must still function.
func (d *Detector) RunFallback(ctx context.Context) (*FallbackReport, error) {
	stale, err := d.ChannelsNeedingFallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("fallback sweep: %w", err)
	}
	rep := &FallbackReport{Stale: len(stale)}
	for _, sch := range stale {
		ok, err := d.ledger.BorrowEmergency(ctx, 1)
		if err != nil {
			return rep, fmt.Errorf("fallback sweep: %w", err)
		}
		if !ok {
			rep.Refused = len(stale) - rep.Checked
			d.log.Warn("emergency reserve exhausted, fallback sweep stopped",
				"checked", rep.Checked, "remaining", rep.Refused)
			break
		}

		res, err := d.dispatch.DispatchNow(ctx, sch, store.ResultFallback)
		rep.Checked++
		if err != nil {
			rep.Errors++
			continue
		}
		if res.ContentFound {
			rep.Found++
		}
	}
	return rep, nil
}

// Gap describes one detected coverage gap.
type Gap struct {
	ScheduleID   string        `json:"schedule_id"`
	ChannelID    string        `json:"channel_id"`
	SuccessRatio float64       `json:"success_ratio"`
	Samples      int           `json:"samples"`
	SilentFor    time.Duration `json:"silent_for"`
	Severity     string        `json:"severity"`
}

// DetectGaps scans active schedules over the detect window and flags those
// whose success ratio collapsed or that went unchecked for too long. Critical
// gaps get an immediate emergency check and hourly escalation slots for the
// next few hours, reverted automatically once their TTL passes.
func (d *Detector) DetectGaps(ctx context.Context) ([]Gap, error) {
	schedules, err := d.st.ActiveSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("gap detection: %w", err)
	}
	now := d.now()
	since := now.Add(-d.cfg.DetectWindow)

	var gaps []Gap
	for _, sch := range schedules {
		successes, total, err := d.st.ScheduleEffectiveness(ctx, sch.ID, since)
		if err != nil {
			return gaps, fmt.Errorf("gap detection: %w", err)
		}
		if total == 0 {
			continue // staleness handles never-checked schedules
		}
		ratio := float64(successes) / float64(total)

		lastCheck, err := d.st.LatestOutcomeTime(ctx, sch.ID)
		if err != nil {
			return gaps, fmt.Errorf("gap detection: %w", err)
		}
		silent := d.cfg.DetectWindow
		if lastCheck > 0 {
			silent = now.Sub(time.UnixMilli(lastCheck))
		}

		if ratio >= d.cfg.LowSuccess && silent <= d.cfg.SilentFor {
			continue
		}

		g := Gap{
			ScheduleID:   sch.ID,
			ChannelID:    sch.ChannelID,
			SuccessRatio: ratio,
			Samples:      total,
			SilentFor:    silent,
			Severity:     SeverityWarning,
		}
		if ratio < d.cfg.CriticalSuccess {
			g.Severity = SeverityCritical
			if err := d.escalate(ctx, sch, g); err != nil {
				d.log.Error("escalation failed", "schedule", sch.ID, "error", err)
			}
		}
		gaps = append(gaps, g)
	}
	return gaps, nil
}

// escalate reacts to a critical gap: one immediate emergency-funded check,
// then hourly temporary slots so the next passes keep the channel hot.
// Slots carry a revert time; RevertExpiredEscalations cleans them up.
func (d *Detector) escalate(ctx context.Context, sch *store.ChannelSchedule, g Gap) error {
	now := d.now()

	if ok, err := d.ledger.BorrowEmergency(ctx, 1); err != nil {
		return err
	} else if ok {
		if _, err := d.dispatch.DispatchNow(ctx, sch, store.ResultEmergency); err != nil {
			d.log.Warn("emergency check failed", "schedule", sch.ID, "error", err)
		}
	}

	revertAt := now.Add(d.cfg.EscalationTTL).UnixMilli()
	for i := 1; i <= d.cfg.EscalationHours; i++ {
		at := now.Add(time.Duration(i) * time.Hour)
		slot := &store.TimeSlot{
			ID:         d.newID(),
			ScheduleID: sch.ID,
			DayOfWeek:  int(at.Weekday()),
			TimeOfDay:  at.Format("15:04"),
			Temporary:  true,
			RevertAt:   &revertAt,
		}
		if err := d.st.InsertSlot(ctx, slot); err != nil {
			return fmt.Errorf("escalation slot: %w", err)
		}
	}

	d.log.Warn("critical coverage gap, escalating",
		"schedule", sch.ID, "channel", sch.ChannelID,
		"success_ratio", g.SuccessRatio, "silent_for", g.SilentFor)
	if d.events != nil {
		details, _ := json.Marshal(g)
		d.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventCriticalGap,
			ServiceName: "ronde",
			EntityType:  "schedule",
			EntityID:    sch.ID,
			Action:      "escalate",
			Details:     string(details),
			Success:     true,
		})
	}
	return nil
}

// RevertExpiredEscalations deletes temporary slots whose revert time has
// passed and returns the schedules that were touched.
func (d *Detector) RevertExpiredEscalations(ctx context.Context) ([]string, error) {
	ids, err := d.st.DeleteExpiredTemporarySlots(ctx, d.now())
	if err != nil {
		return nil, fmt.Errorf("revert escalations: %w", err)
	}
	if len(ids) > 0 {
		d.log.Info("escalation slots reverted", "schedules", len(ids))
	}
	return ids, nil
}

// Analysis is the stored missed-content rollup.
type Analysis struct {
	Window       string  `json:"window"`
	Channels     int     `json:"channels"`
	TotalChecks  int     `json:"total_checks"`
	TotalFound   int     `json:"total_found"`
	OverallRatio float64 `json:"overall_ratio"`
	Weak         []Gap   `json:"weak,omitempty"`
}

// AnalyzeMissedContent rolls recent channel activity into an insight row
// for operator review.
func (d *Detector) AnalyzeMissedContent(ctx context.Context) (*Analysis, error) {
	now := d.now()
	acts, err := d.st.ChannelActivitySince(ctx, now.Add(-d.cfg.AnalysisWindow))
	if err != nil {
		return nil, fmt.Errorf("missed content analysis: %w", err)
	}

	a := &Analysis{Window: d.cfg.AnalysisWindow.String(), Channels: len(acts)}
	for _, act := range acts {
		a.TotalChecks += act.Checks
		a.TotalFound += act.Successes
		if act.Checks > 0 && act.SuccessRatio() < d.cfg.LowSuccess {
			a.Weak = append(a.Weak, Gap{
				ChannelID:    act.ChannelID,
				SuccessRatio: act.SuccessRatio(),
				Samples:      act.Checks,
				Severity:     SeverityWarning,
			})
		}
	}
	if a.TotalChecks > 0 {
		a.OverallRatio = float64(a.TotalFound) / float64(a.TotalChecks)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("missed content analysis: %w", err)
	}
	ins := &store.Insight{
		ID:          idgen.Prefixed("ins_", idgen.Default)(),
		Day:         now.UTC().Format("2006-01-02"),
		PayloadJSON: string(payload),
	}
	if err := d.st.InsertInsight(ctx, ins); err != nil {
		return nil, fmt.Errorf("missed content analysis: %w", err)
	}
	return a, nil
}
