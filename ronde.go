// Package ronde is a quota-aware adaptive polling service for rate-limited
// content platforms. It learns when channels actually publish, spends a
// fixed daily API budget on the checks most likely to find something, and
// keeps results in a three-tier cache so repeat reads cost nothing. A gap
// detector underneath catches the channels the adaptive pass starves.
package ronde

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ronde/idgen"
	"github.com/hazyhaar/ronde/internal/cache"
	"github.com/hazyhaar/ronde/internal/gap"
	"github.com/hazyhaar/ronde/internal/learner"
	"github.com/hazyhaar/ronde/internal/quota"
	"github.com/hazyhaar/ronde/internal/sched"
	"github.com/hazyhaar/ronde/internal/store"
	"github.com/hazyhaar/ronde/observability"
)

// Fetcher is the platform adapter the service polls through. Re-exported
// from the scheduler so callers only import ronde.
type Fetcher = sched.Fetcher

// NotificationSink receives content-found notifications.
type NotificationSink = sched.NotificationSink

// CheckResult is what one platform check produced.
type CheckResult = sched.CheckResult

// Re-exported storage types: the service's public surface speaks these.
type (
	ChannelSchedule = store.ChannelSchedule
	TimeSlot        = store.TimeSlot
	OutcomeRecord   = store.OutcomeRecord
	LearnedPattern  = store.LearnedPattern
	Insight         = store.Insight
)

// Suggestion is a proposed schedule adjustment.
type Suggestion = learner.Suggestion

// Service is the main ronde orchestrator.
type Service struct {
	db        *sql.DB
	store     *store.Store
	ledger    *quota.Ledger
	cache     *cache.Cache
	prefetch  *cache.PrefetchQueue
	learner   *learner.Learner
	scheduler *sched.Scheduler
	gaps      *gap.Detector
	events    *observability.EventLogger
	logger    *slog.Logger
	config    *Config
	newID     idgen.Generator
	phase     atomic.Value // string: tick stage past the dispatch pass

	pendingSink  NotificationSink // captured by options, wired into the scheduler
	contentFetch cache.FetchFunc  // optional — enables prefetch drains
}

// ServiceOption customises Service construction.
type ServiceOption func(*Service)

// WithNotificationSink wires a sink for content-found notifications.
func WithNotificationSink(sink NotificationSink) ServiceOption {
	return func(s *Service) { s.pendingSink = sink }
}

// WithContentFetcher wires the key-level fetcher the prefetch queue drains
// through. Without it, prefetch tasks accumulate and age out.
func WithContentFetcher(fetch cache.FetchFunc) ServiceOption {
	return func(s *Service) { s.contentFetch = fetch }
}

// WithIDGenerator overrides the schedule ID generator.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// New creates a ronde Service over an open SQLite handle. The fetcher is
// required; everything else has defaults. New applies the storage schema,
// so a fresh database file is a valid starting point.
func New(db *sql.DB, fetcher Fetcher, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("ronde: fetcher is required")
	}
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("ronde: apply schema: %w", err)
	}
	if err := observability.Init(db); err != nil {
		return nil, fmt.Errorf("ronde: init observability: %w", err)
	}
	st := store.NewStore(db)

	svc := &Service{
		db:     db,
		store:  st,
		logger: logger,
		config: cfg,
		newID:  idgen.Prefixed("sch_", idgen.Default),
	}
	svc.phase.Store(sched.PhaseIdle)
	for _, opt := range opts {
		opt(svc)
	}

	svc.ledger = quota.New(st, cfg.Quota, logger)
	svc.events = observability.NewEventLogger(db)
	svc.learner = learner.New(st, cfg.Learner)

	pq, err := cache.NewPrefetchQueue(db, st, cfg.Prefetch)
	if err != nil {
		return nil, fmt.Errorf("ronde: %w", err)
	}
	svc.prefetch = pq

	hot, err := cache.NewHotTier(cfg.HotCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("ronde: hot tier: %w", err)
	}
	warm, err := cache.NewWarmTier(cfg.WarmCacheDir)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("ronde: %w", err)
	}
	svc.cache = cache.New(st, []cache.Tier{hot, warm, cache.NewColdTier(st)}, pq, cfg.Cache)

	svc.scheduler = sched.New(st, svc.ledger, svc.learner, svc.cache,
		fetcher, svc.pendingSink, svc.events, cfg.Scheduler)
	svc.gaps = gap.New(st, svc.ledger, svc.scheduler, svc.events, cfg.Gap)

	return svc, nil
}

// Close releases the cache tiers. The database handle belongs to the caller.
func (s *Service) Close() error {
	return s.cache.Close()
}

// --- Schedules ---

var validScheduleTypes = map[string]bool{
	store.ScheduleDaily:  true,
	store.ScheduleWeekly: true,
	store.ScheduleCustom: true,
}

func validateSchedule(sch *ChannelSchedule) error {
	if sch.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", ErrInvalidInput)
	}
	if sch.Priority < 0 || sch.Priority > 5 {
		return fmt.Errorf("%w: priority must be between 1 and 5", ErrInvalidInput)
	}
	if sch.ScheduleType != "" && !validScheduleTypes[sch.ScheduleType] {
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidInput, sch.ScheduleType)
	}
	if sch.Timezone != "" {
		if _, err := time.LoadLocation(sch.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, sch.Timezone)
		}
	}
	for _, slot := range sch.Slots {
		if slot.DayOfWeek < 0 || slot.DayOfWeek > 6 {
			return fmt.Errorf("%w: day_of_week must be 0..6", ErrInvalidInput)
		}
		if _, err := time.Parse("15:04", slot.TimeOfDay); err != nil {
			return fmt.Errorf("%w: time_of_day must be HH:MM", ErrInvalidInput)
		}
	}
	return nil
}

// AddSchedule validates and stores a new schedule. The channel may have at
// most one schedule per platform.
func (s *Service) AddSchedule(ctx context.Context, sch *ChannelSchedule) error {
	if err := validateSchedule(sch); err != nil {
		return err
	}
	if sch.Platform == "" {
		sch.Platform = "youtube"
	}
	existing, err := s.store.GetScheduleByChannel(ctx, sch.ChannelID, sch.Platform)
	if err != nil {
		return fmt.Errorf("ronde: add schedule: %w", err)
	}
	if existing != nil {
		return ErrDuplicateSchedule
	}
	if sch.ID == "" {
		sch.ID = s.newID()
	}
	sch.Active = true
	for i := range sch.Slots {
		if sch.Slots[i].ID == "" {
			sch.Slots[i].ID = idgen.Prefixed("slot_", idgen.Default)()
		}
	}
	if err := s.store.InsertSchedule(ctx, sch); err != nil {
		return fmt.Errorf("ronde: add schedule: %w", err)
	}
	s.logger.Info("schedule added",
		"schedule", sch.ID, "channel", sch.ChannelID, "platform", sch.Platform,
		"priority", sch.Priority, "slots", len(sch.Slots))
	return nil
}

// GetSchedule returns one schedule with slots.
func (s *Service) GetSchedule(ctx context.Context, id string) (*ChannelSchedule, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ronde: get schedule: %w", err)
	}
	if sch == nil {
		return nil, ErrNotFound
	}
	return sch, nil
}

// ListSchedules returns every schedule, active and inactive.
func (s *Service) ListSchedules(ctx context.Context) ([]*ChannelSchedule, error) {
	return s.store.ListSchedules(ctx)
}

// UpdateSchedule updates a schedule's mutable fields.
func (s *Service) UpdateSchedule(ctx context.Context, sch *ChannelSchedule) error {
	if err := validateSchedule(sch); err != nil {
		return err
	}
	existing, err := s.store.GetSchedule(ctx, sch.ID)
	if err != nil {
		return fmt.Errorf("ronde: update schedule: %w", err)
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return fmt.Errorf("ronde: update schedule: %w", err)
	}
	return nil
}

// DeactivateSchedule stops polling a channel. The row and its history stay:
// outcome records feed learning even for retired channels.
func (s *Service) DeactivateSchedule(ctx context.Context, id string) error {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("ronde: deactivate schedule: %w", err)
	}
	if sch == nil {
		return ErrNotFound
	}
	if err := s.store.DeactivateSchedule(ctx, id); err != nil {
		return fmt.Errorf("ronde: deactivate schedule: %w", err)
	}
	s.logger.Info("schedule deactivated", "schedule", id, "channel", sch.ChannelID)
	return nil
}

// AddSlot attaches a slot to an existing schedule.
func (s *Service) AddSlot(ctx context.Context, scheduleID string, slot *TimeSlot) error {
	if slot.DayOfWeek < 0 || slot.DayOfWeek > 6 {
		return fmt.Errorf("%w: day_of_week must be 0..6", ErrInvalidInput)
	}
	if _, err := time.Parse("15:04", slot.TimeOfDay); err != nil {
		return fmt.Errorf("%w: time_of_day must be HH:MM", ErrInvalidInput)
	}
	sch, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("ronde: add slot: %w", err)
	}
	if sch == nil {
		return ErrNotFound
	}
	if slot.ID == "" {
		slot.ID = idgen.Prefixed("slot_", idgen.Default)()
	}
	slot.ScheduleID = scheduleID
	if err := s.store.InsertSlot(ctx, slot); err != nil {
		return fmt.Errorf("ronde: add slot: %w", err)
	}
	return nil
}

// RemoveSlot deletes a slot.
func (s *Service) RemoveSlot(ctx context.Context, slotID string) error {
	if err := s.store.DeleteSlot(ctx, slotID); err != nil {
		return fmt.Errorf("ronde: remove slot: %w", err)
	}
	return nil
}

// --- Operations ---

// ForceCheck dispatches one schedule immediately, bypassing the score
// threshold but not the quota.
func (s *Service) ForceCheck(ctx context.Context, scheduleID string) (*CheckResult, error) {
	res, err := s.scheduler.ForceCheck(ctx, scheduleID)
	if errors.Is(err, quota.ErrExhausted) {
		return nil, ErrQuotaExhausted
	}
	return res, err
}

// Phase reports which tick stage is currently executing: the scheduler's
// scoring, ranking and dispatching while the polling pass runs, then
// fallback_pass and learning_update for the stages after it, and idle
// between ticks.
func (s *Service) Phase() string {
	if p, _ := s.phase.Load().(string); p != sched.PhaseIdle && p != "" {
		return p
	}
	return s.scheduler.Phase()
}

// TickReport aggregates everything one tick did.
type TickReport struct {
	Pass       *sched.Report       `json:"pass"`
	Fallback   *gap.FallbackReport `json:"fallback"`
	Gaps       int                 `json:"gaps"`
	Reverted   int                 `json:"reverted_escalations"`
	Flagged    int                 `json:"flagged_schedules"`
	Prefetched int                 `json:"prefetched"`
	Pruned     int64               `json:"pruned_outcomes"`
}

// Tick runs one full maintenance cycle: revert expired escalations, run
// the ranked polling pass, sweep stale channels on emergency budget,
// detect coverage gaps, recompute learned patterns, review schedule
// effectiveness, drain the prefetch queue, and clean old data. Individual
// stages log and continue; Tick returns the first hard storage error.
func (s *Service) Tick(ctx context.Context) (*TickReport, error) {
	rep := &TickReport{}
	defer s.phase.Store(sched.PhaseIdle)

	reverted, err := s.gaps.RevertExpiredEscalations(ctx)
	if err != nil {
		return rep, err
	}
	rep.Reverted = len(reverted)

	rep.Pass, err = s.scheduler.RunPass(ctx)
	if err != nil {
		return rep, err
	}

	s.phase.Store(sched.PhaseFallback)
	rep.Fallback, err = s.gaps.RunFallback(ctx)
	if err != nil {
		return rep, err
	}

	gaps, err := s.gaps.DetectGaps(ctx)
	if err != nil {
		return rep, err
	}
	rep.Gaps = len(gaps)

	s.phase.Store(sched.PhaseLearning)
	if err := s.learner.UpdateAll(ctx); err != nil {
		s.logger.Warn("learning pass incomplete", "error", err)
	}

	rep.Flagged, err = s.scheduler.ReviewEffectiveness(ctx)
	if err != nil {
		return rep, err
	}

	if s.contentFetch != nil {
		n, err := s.prefetch.Drain(ctx, s.cache, s.contentFetch)
		if err != nil {
			s.logger.Warn("prefetch drain failed", "error", err)
		}
		rep.Prefetched = n
	}

	if err := s.cache.Sweep(ctx); err != nil {
		s.logger.Warn("cache sweep failed", "error", err)
	}
	rep.Pruned, err = s.store.PruneOutcomes(ctx, time.Now().Add(-s.config.OutcomeRetention))
	if err != nil {
		s.logger.Warn("outcome prune failed", "error", err)
		err = nil
	}
	if cerr := observability.Cleanup(ctx, s.db, observability.RetentionConfig{
		EventLogsDays:  s.config.EventRetentionDays,
		HeartbeatsDays: 7,
	}); cerr != nil {
		s.logger.Warn("retention cleanup failed", "error", cerr)
	}
	return rep, nil
}

// Analyze rolls recent activity into a stored insight snapshot.
func (s *Service) Analyze(ctx context.Context) (*gap.Analysis, error) {
	return s.gaps.AnalyzeMissedContent(ctx)
}

// QuotaStatus reports the ledger's day snapshot.
func (s *Service) QuotaStatus(ctx context.Context) (quota.Status, error) {
	return s.ledger.Status(ctx)
}

// Suggestions returns proposed schedule adjustments for one schedule.
func (s *Service) Suggestions(ctx context.Context, scheduleID string) ([]Suggestion, error) {
	if _, err := s.GetSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.learner.GenerateSuggestions(ctx, scheduleID)
}

// Insights returns recent stored analysis snapshots.
func (s *Service) Insights(ctx context.Context, limit int) ([]*Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.RecentInsights(ctx, limit)
}

// CacheGet reads a content key through the tier hierarchy.
func (s *Service) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	return s.cache.Get(ctx, key)
}

// CacheStats reports the durable cache tier's footprint.
func (s *Service) CacheStats(ctx context.Context) (store.CacheStats, error) {
	return s.cache.Stats(ctx)
}

// RecentEvents returns the latest business events of one type.
func (s *Service) RecentEvents(ctx context.Context, eventType string, limit int) ([]observability.BusinessEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.events.RecentEvents(ctx, eventType, limit)
}
