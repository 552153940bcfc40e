// Package sched drives the adaptive polling pass: it scores every active
// schedule, ranks them, and dispatches checks highest-value first until the
// quota ledger says stop. Dispatch thresholds tighten as daily quota burns
// down, so a busy day trades breadth for the channels most likely to pay.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ronde/idgen"
	"github.com/hazyhaar/ronde/internal/cache"
	"github.com/hazyhaar/ronde/internal/learner"
	"github.com/hazyhaar/ronde/internal/quota"
	"github.com/hazyhaar/ronde/internal/store"
	"github.com/hazyhaar/ronde/observability"
)

// Tick phases, observable while a cycle runs. The scheduler itself moves
// through scoring, ranking and dispatching; the fallback and learning
// phases belong to the stages the service runs after the pass.
const (
	PhaseIdle        = "idle"
	PhaseScoring     = "scoring"
	PhaseRanking     = "ranking"
	PhaseDispatching = "dispatching"
	PhaseFallback    = "fallback_pass"
	PhaseLearning    = "learning_update"
)

// CheckResult is what a fetch against the platform produced.
type CheckResult struct {
	ContentFound bool
	APICalls     int
	Payload      []byte
	ContentType  string
	CacheKey     string
	RelatedKeys  []string
	// StreamStatus is the channel's live status as observed by this check
	// ("live", "offline", "upcoming"). Empty means the fetcher did not
	// observe it; no transition is recorded.
	StreamStatus string
}

// Fetcher performs the actual platform check for a schedule. Implementations
// own transport, auth and parsing; the scheduler only sees the result.
type Fetcher interface {
	Check(ctx context.Context, sch *store.ChannelSchedule) (*CheckResult, error)
}

// NotificationSink is told when a check finds content or a channel's stream
// status flips. Sink failures are logged and never undo the check's
// bookkeeping.
type NotificationSink interface {
	ContentFound(ctx context.Context, sch *store.ChannelSchedule, res *CheckResult) error
	StreamStatusChanged(ctx context.Context, sch *store.ChannelSchedule, old, new string) error
}

// Config tunes the scheduler.
type Config struct {
	// CheckTimeout bounds one fetch. Default: 30s.
	CheckTimeout time.Duration
	// CheckClass is the quota class a scheduled check reserves.
	// Default: list.
	CheckClass quota.OperationClass
	// ThresholdLow is the dispatch score floor under 50% quota
	// utilization. Default: 1.0.
	ThresholdLow float64
	// ThresholdMid applies between 50% and 80%. Default: 2.0.
	ThresholdMid float64
	// ThresholdHigh applies above 80%. Default: 3.5.
	ThresholdHigh float64
	// ReviewWindow is the lookback for effectiveness reviews. Default: 7d.
	ReviewWindow time.Duration
	// ReviewMinSamples is the evidence floor before a schedule can be
	// flagged. Default: 10.
	ReviewMinSamples int
	// ReviewBelow flags schedules whose success ratio sits under this.
	// Default: 0.20.
	ReviewBelow float64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 30 * time.Second
	}
	if c.CheckClass == "" {
		c.CheckClass = quota.ClassList
	}
	if c.ThresholdLow <= 0 {
		c.ThresholdLow = 1.0
	}
	if c.ThresholdMid <= 0 {
		c.ThresholdMid = 2.0
	}
	if c.ThresholdHigh <= 0 {
		c.ThresholdHigh = 3.5
	}
	if c.ReviewWindow <= 0 {
		c.ReviewWindow = 7 * 24 * time.Hour
	}
	if c.ReviewMinSamples <= 0 {
		c.ReviewMinSamples = 10
	}
	if c.ReviewBelow <= 0 {
		c.ReviewBelow = 0.20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler runs the polling passes.
type Scheduler struct {
	st     *store.Store
	ledger *quota.Ledger
	learn  *learner.Learner
	cache  *cache.Cache // nil disables result caching
	fetch  Fetcher
	sink   NotificationSink // nil disables notifications
	events *observability.EventLogger
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
	newID  idgen.Generator
	phase  atomic.Value // string
}

// New wires a scheduler. fetch is required; cache, sink and events may be nil.
func New(st *store.Store, ledger *quota.Ledger, learn *learner.Learner, ca *cache.Cache, fetch Fetcher, sink NotificationSink, events *observability.EventLogger, cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		st:     st,
		ledger: ledger,
		learn:  learn,
		cache:  ca,
		fetch:  fetch,
		sink:   sink,
		events: events,
		cfg:    cfg,
		log:    cfg.Logger,
		now:    time.Now,
		newID:  idgen.Prefixed("out_", idgen.Default),
	}
	s.phase.Store(PhaseIdle)
	return s
}

// SetClock overrides the scheduler's notion of now. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Phase reports which part of a pass is currently executing.
func (s *Scheduler) Phase() string { return s.phase.Load().(string) }

func (s *Scheduler) setPhase(p string) { s.phase.Store(p) }

// threshold returns the dispatch floor for the current quota utilization.
func (s *Scheduler) threshold(util float64) float64 {
	switch {
	case util > 0.8:
		return s.cfg.ThresholdHigh
	case util >= 0.5:
		return s.cfg.ThresholdMid
	default:
		return s.cfg.ThresholdLow
	}
}

// ShouldDispatch decides whether a schedule with the given score runs now.
// force bypasses the threshold but never the quota itself.
func (s *Scheduler) ShouldDispatch(ctx context.Context, score float64, force bool) (bool, error) {
	remaining, err := s.ledger.Remaining(ctx)
	if err != nil {
		return false, err
	}
	if remaining <= 0 {
		return false, nil
	}
	if force {
		return true, nil
	}
	util, err := s.ledger.Utilization(ctx)
	if err != nil {
		return false, err
	}
	return score >= s.threshold(util), nil
}

// Report summarises one pass.
type Report struct {
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Scored         int           `json:"scored"`
	Dispatched     int           `json:"dispatched"`
	ContentFound   int           `json:"content_found"`
	BelowThreshold int           `json:"below_threshold"`
	QuotaDenied    int           `json:"quota_denied"`
	Errors         int           `json:"errors"`
	QuotaExhausted bool          `json:"quota_exhausted"`
}

type scored struct {
	sch   *store.ChannelSchedule
	score float64
}

// RunPass executes one scoring → ranking → dispatching pass over every
// active schedule. Individual check failures are recorded as outcomes and
// never abort the pass; the pass stops early only when daily quota runs out.
func (s *Scheduler) RunPass(ctx context.Context) (*Report, error) {
	started := s.now()
	rep := &Report{Started: started}
	defer func() {
		s.setPhase(PhaseIdle)
		rep.Duration = s.now().Sub(started)
	}()

	s.setPhase(PhaseScoring)
	schedules, err := s.st.ActiveSchedules(ctx)
	if err != nil {
		return rep, fmt.Errorf("scheduler pass: %w", err)
	}
	ranked := make([]scored, 0, len(schedules))
	for _, sch := range schedules {
		ranked = append(ranked, scored{sch: sch, score: s.Score(ctx, sch, started)})
	}
	rep.Scored = len(ranked)

	s.setPhase(PhaseRanking)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].sch.Priority > ranked[j].sch.Priority
	})

	s.setPhase(PhaseDispatching)
	for _, cand := range ranked {
		remaining, err := s.ledger.Remaining(ctx)
		if err != nil {
			return rep, fmt.Errorf("scheduler pass: %w", err)
		}
		if remaining <= 0 {
			rep.QuotaExhausted = true
			s.log.Info("quota exhausted, ending pass",
				"dispatched", rep.Dispatched, "skipped", len(ranked)-rep.Dispatched)
			break
		}

		ok, err := s.ShouldDispatch(ctx, cand.score, false)
		if err != nil {
			return rep, fmt.Errorf("scheduler pass: %w", err)
		}
		if !ok {
			rep.BelowThreshold++
			continue
		}

		admitted, err := s.ledger.TryReserve(ctx, s.cfg.CheckClass, 0)
		if err != nil {
			return rep, fmt.Errorf("scheduler pass: %w", err)
		}
		if !admitted {
			rep.QuotaDenied++
			continue
		}

		res, err := s.dispatch(ctx, cand.sch, store.ResultScheduled)
		rep.Dispatched++
		if err != nil {
			rep.Errors++
			continue
		}
		if res.ContentFound {
			rep.ContentFound++
		}
	}
	return rep, nil
}

// dispatch runs one check against the fetcher under the configured timeout
// and records its outcome. A fetch error is itself an outcome: the quota
// was spent either way.
func (s *Scheduler) dispatch(ctx context.Context, sch *store.ChannelSchedule, resultType string) (*CheckResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()

	start := s.now()
	res, err := s.fetch.Check(cctx, sch)
	elapsed := s.now().Sub(start)

	if err != nil {
		s.log.Warn("check failed", "schedule", sch.ID, "channel", sch.ChannelID, "error", err)
		res = &CheckResult{APICalls: s.ledger.Cost(s.cfg.CheckClass)}
	}
	if res.APICalls == 0 {
		res.APICalls = s.ledger.Cost(s.cfg.CheckClass)
	}

	s.recordOutcome(ctx, sch, res, resultType, elapsed)

	if err != nil {
		return res, err
	}
	if res.ContentFound {
		s.onContentFound(ctx, sch, res)
	}
	if res.StreamStatus != "" && res.StreamStatus != sch.StreamStatus {
		s.onStreamStatusChanged(ctx, sch, res.StreamStatus)
	}
	return res, nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, sch *store.ChannelSchedule, res *CheckResult, resultType string, elapsed time.Duration) {
	rec := &store.OutcomeRecord{
		ID:             s.newID(),
		ScheduleID:     &sch.ID,
		ChannelID:      sch.ChannelID,
		CheckTime:      s.now().UnixMilli(),
		ContentFound:   res.ContentFound,
		APICallsMade:   res.APICalls,
		ResultType:     resultType,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if err := s.st.InsertOutcome(ctx, rec); err != nil {
		s.log.Error("outcome record failed", "schedule", sch.ID, "error", err)
	}
	if err := s.ledger.RecordOutcome(ctx, sch.ID, res.ContentFound, res.APICalls); err != nil {
		s.log.Warn("quota usage record failed", "schedule", sch.ID, "error", err)
	}
}

// onContentFound caches the payload, emits the business event and notifies
// the sink. None of these can fail the check.
func (s *Scheduler) onContentFound(ctx context.Context, sch *store.ChannelSchedule, res *CheckResult) {
	if s.cache != nil && res.CacheKey != "" && len(res.Payload) > 0 {
		err := s.cache.Set(ctx, res.CacheKey, res.Payload, res.ContentType,
			cache.PriorityHigh, time.Hour, res.RelatedKeys)
		if err != nil {
			s.log.Warn("result cache failed", "key", res.CacheKey, "error", err)
		}
	}
	if s.events != nil {
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventContentFound,
			ServiceName: "ronde",
			EntityType:  "channel",
			EntityID:    sch.ChannelID,
			Action:      "check",
			Success:     true,
		})
	}
	if s.sink != nil {
		if err := s.sink.ContentFound(ctx, sch, res); err != nil {
			s.log.Warn("notification sink failed", "channel", sch.ChannelID, "error", err)
		}
	}
}

// onStreamStatusChanged persists the transition, emits the business event
// and notifies the sink. Like onContentFound, none of it can fail the check.
func (s *Scheduler) onStreamStatusChanged(ctx context.Context, sch *store.ChannelSchedule, status string) {
	old := sch.StreamStatus
	if err := s.st.SetStreamStatus(ctx, sch.ID, status); err != nil {
		s.log.Warn("stream status record failed", "schedule", sch.ID, "error", err)
	}
	sch.StreamStatus = status
	s.log.Info("stream status changed",
		"channel", sch.ChannelID, "old", old, "new", status)
	if s.events != nil {
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventStreamStatusChanged,
			ServiceName: "ronde",
			EntityType:  "channel",
			EntityID:    sch.ChannelID,
			Action:      "check",
			Details:     fmt.Sprintf(`{"old":%q,"new":%q}`, old, status),
			Success:     true,
		})
	}
	if s.sink != nil {
		if err := s.sink.StreamStatusChanged(ctx, sch, old, status); err != nil {
			s.log.Warn("notification sink failed", "channel", sch.ChannelID, "error", err)
		}
	}
}

// ForceCheck dispatches one schedule immediately, bypassing the score
// threshold. Quota still applies: a locked-out or exhausted day refuses.
func (s *Scheduler) ForceCheck(ctx context.Context, scheduleID string) (*CheckResult, error) {
	sch, err := s.st.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("force check %s: %w", scheduleID, err)
	}
	if sch == nil {
		return nil, fmt.Errorf("force check %s: schedule not found", scheduleID)
	}

	admitted, err := s.ledger.TryReserve(ctx, s.cfg.CheckClass, 0)
	if err != nil {
		return nil, fmt.Errorf("force check %s: %w", scheduleID, err)
	}
	if !admitted {
		return nil, fmt.Errorf("force check %s: %w", scheduleID, quota.ErrExhausted)
	}
	return s.dispatch(ctx, sch, store.ResultScheduled)
}

// DispatchNow runs one check outside the ranked pass, recording the outcome
// under the given result type. The caller has already settled quota; no
// reservation happens here. Used by the gap detector for fallback and
// emergency checks.
func (s *Scheduler) DispatchNow(ctx context.Context, sch *store.ChannelSchedule, resultType string) (*CheckResult, error) {
	return s.dispatch(ctx, sch, resultType)
}

// ReviewEffectiveness flags active schedules whose recent success ratio
// fell under the review floor, with enough samples to mean it. Flagged
// schedules draw a suggestion event for the operator; nothing is changed
// automatically. Returns how many schedules were flagged.
func (s *Scheduler) ReviewEffectiveness(ctx context.Context) (int, error) {
	schedules, err := s.st.ActiveSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("effectiveness review: %w", err)
	}
	since := s.now().Add(-s.cfg.ReviewWindow)
	flagged := 0
	for _, sch := range schedules {
		successes, total, err := s.st.ScheduleEffectiveness(ctx, sch.ID, since)
		if err != nil {
			return flagged, fmt.Errorf("effectiveness review: %w", err)
		}
		if total < s.cfg.ReviewMinSamples {
			continue
		}
		ratio := float64(successes) / float64(total)
		if ratio >= s.cfg.ReviewBelow {
			continue
		}
		flagged++
		s.log.Warn("schedule underperforming",
			"schedule", sch.ID, "channel", sch.ChannelID,
			"ratio", ratio, "samples", total)
		if s.events != nil {
			s.events.LogEvent(ctx, observability.BusinessEvent{
				EventType:   observability.EventSuggestionGenerated,
				ServiceName: "ronde",
				EntityType:  "schedule",
				EntityID:    sch.ID,
				Action:      "review",
				Details:     fmt.Sprintf(`{"success_ratio":%.3f,"samples":%d}`, ratio, total),
				Success:     true,
			})
		}
	}
	return flagged, nil
}
