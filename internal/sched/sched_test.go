package sched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ronde/dbopen"
	"github.com/hazyhaar/ronde/internal/learner"
	"github.com/hazyhaar/ronde/internal/quota"
	"github.com/hazyhaar/ronde/internal/store"
)

type fakeFetcher struct {
	results map[string]*CheckResult // by schedule ID
	err     error
	calls   []string
}

func (f *fakeFetcher) Check(_ context.Context, sch *store.ChannelSchedule) (*CheckResult, error) {
	f.calls = append(f.calls, sch.ID)
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[sch.ID]; ok {
		return res, nil
	}
	return &CheckResult{APICalls: 3}, nil
}

type fakeSink struct {
	notified    []string
	transitions []string
	err         error
}

func (f *fakeSink) ContentFound(_ context.Context, sch *store.ChannelSchedule, _ *CheckResult) error {
	f.notified = append(f.notified, sch.ChannelID)
	return f.err
}

func (f *fakeSink) StreamStatusChanged(_ context.Context, sch *store.ChannelSchedule, old, new string) error {
	f.transitions = append(f.transitions, sch.ChannelID+":"+old+">"+new)
	return f.err
}

type fixture struct {
	st      *store.Store
	ledger  *quota.Ledger
	sched   *Scheduler
	fetcher *fakeFetcher
	sink    *fakeSink
	now     time.Time
}

func newFixture(t *testing.T, dailyLimit int) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	st := store.NewStore(db)

	now := time.Date(2026, 7, 6, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ledger := quota.New(st, quota.Config{DailyLimit: dailyLimit}, nil)
	ledger.SetClock(clock)
	learn := learner.New(st, learner.Config{})
	learn.SetClock(clock)

	fetcher := &fakeFetcher{results: map[string]*CheckResult{}}
	sink := &fakeSink{}
	s := New(st, ledger, learn, nil, fetcher, sink, nil, Config{})
	s.SetClock(clock)

	return &fixture{st: st, ledger: ledger, sched: s, fetcher: fetcher, sink: sink, now: now}
}

// addSchedule inserts an active schedule with one slot at timeOfDay on the
// fixture's current weekday. Empty timeOfDay means no slots.
func (f *fixture) addSchedule(t *testing.T, id string, priority int, timeOfDay string) *store.ChannelSchedule {
	t.Helper()
	sch := &store.ChannelSchedule{
		ID:        id,
		ChannelID: "chan_" + id,
		Platform:  "youtube",
		Priority:  priority,
		Active:    true,
	}
	if timeOfDay != "" {
		sch.Slots = []store.TimeSlot{{
			ID:         "slot_" + id,
			DayOfWeek:  int(f.now.Weekday()),
			TimeOfDay:  timeOfDay,
		}}
	}
	if err := f.st.InsertSchedule(context.Background(), sch); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	return sch
}

func TestScoreMonotonicInPriority(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	// Slot far from now on all of them: identical bonus, only priority varies.
	prev := 0.0
	for p := 1; p <= 5; p++ {
		sch := f.addSchedule(t, fmt.Sprintf("sch%d", p), p, "22:00")
		got, err := f.st.GetSchedule(ctx, sch.ID)
		if err != nil {
			t.Fatal(err)
		}
		score := f.sched.Score(ctx, got, f.now)
		if score <= prev {
			t.Errorf("priority %d score %v not above priority %d score %v", p, score, p-1, prev)
		}
		prev = score
	}
}

func TestScoreSlotDayBeatsOffDay(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	sch := f.addSchedule(t, "sch1", 4, "12:15")
	got, err := f.st.GetSchedule(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}

	onDay := f.sched.Score(ctx, got, f.now)                  // 15 min from the slot
	offDay := f.sched.Score(ctx, got, f.now.Add(24*time.Hour)) // no slot that day

	if onDay <= offDay {
		t.Fatalf("slot-day score %v should beat off-day score %v", onDay, offDay)
	}
	if offDay != priorityWeight(1) {
		t.Errorf("off-day score = %v, want the floor %v", offDay, priorityWeight(1))
	}
}

func TestScoreCapped(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	sch := f.addSchedule(t, "sch1", 5, "12:00")
	got, err := f.st.GetSchedule(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Right on the slot: base 1.0 * (1 + 2.0) = 3.0, still under the cap.
	// Push the modifier up to force clamping.
	got.Slots[0].PriorityModifier = 9
	if score := f.sched.Score(ctx, got, f.now); score != MaxScore {
		t.Errorf("score = %v, want capped at %v", score, MaxScore)
	}
}

func TestThresholdTightensWithUtilization(t *testing.T) {
	f := newFixture(t, 10000)
	cases := []struct {
		util float64
		want float64
	}{
		{0.0, 1.0}, {0.49, 1.0}, {0.5, 2.0}, {0.8, 2.0}, {0.81, 3.5}, {0.95, 3.5},
	}
	for _, tc := range cases {
		if got := f.sched.threshold(tc.util); got != tc.want {
			t.Errorf("threshold(%v) = %v, want %v", tc.util, got, tc.want)
		}
	}
}

func TestRunPassDispatchesAndRecords(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	hit := f.addSchedule(t, "hit", 5, "12:00")
	f.addSchedule(t, "quiet", 5, "12:00")
	f.fetcher.results[hit.ID] = &CheckResult{ContentFound: true, APICalls: 3}

	rep, err := f.sched.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Scored != 2 || rep.Dispatched != 2 {
		t.Fatalf("scored %d dispatched %d, want 2/2", rep.Scored, rep.Dispatched)
	}
	if rep.ContentFound != 1 {
		t.Errorf("content found = %d, want 1", rep.ContentFound)
	}
	if len(f.sink.notified) != 1 || f.sink.notified[0] != "chan_hit" {
		t.Errorf("sink notified %v, want [chan_hit]", f.sink.notified)
	}

	recs, err := f.st.OutcomesForSchedule(ctx, hit.ID, f.now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].ContentFound {
		t.Fatalf("outcomes for hit = %+v, want one found record", recs)
	}
}

func TestRunPassStopsAtQuotaExhaustion(t *testing.T) {
	f := newFixture(t, 3) // exactly one list check
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.addSchedule(t, fmt.Sprintf("sch%d", i), 5, "12:00")
	}

	rep, err := f.sched.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dispatched != 1 {
		t.Fatalf("dispatched %d, want 1", rep.Dispatched)
	}
	if !rep.QuotaExhausted {
		t.Fatal("report should flag quota exhaustion")
	}
	if len(f.fetcher.calls) != 1 {
		t.Fatalf("fetcher called %d times, want 1", len(f.fetcher.calls))
	}
}

func TestRunPassSkipsBelowThreshold(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	// No slot today: score floors at 0.1, under every threshold.
	f.addSchedule(t, "idle", 1, "")

	rep, err := f.sched.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dispatched != 0 || rep.BelowThreshold != 1 {
		t.Fatalf("dispatched %d below-threshold %d, want 0/1", rep.Dispatched, rep.BelowThreshold)
	}
}

func TestFetchErrorStillRecordsOutcome(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	sch := f.addSchedule(t, "flaky", 5, "12:00")
	f.fetcher.err = errors.New("upstream 503")

	rep, err := f.sched.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Errors != 1 || rep.Dispatched != 1 {
		t.Fatalf("errors %d dispatched %d, want 1/1", rep.Errors, rep.Dispatched)
	}

	recs, err := f.st.OutcomesForSchedule(ctx, sch.ID, f.now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(recs))
	}
	if recs[0].ContentFound {
		t.Error("failed check must record content_found=false")
	}
	if recs[0].APICallsMade == 0 {
		t.Error("failed check still spent quota; calls must be recorded")
	}
}

func TestForceCheckRefusedWhenExhausted(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	sch := f.addSchedule(t, "sch1", 1, "")
	if _, err := f.sched.ForceCheck(ctx, sch.ID); err != nil {
		t.Fatalf("first force check: %v", err)
	}
	_, err := f.sched.ForceCheck(ctx, sch.ID)
	if !errors.Is(err, quota.ErrExhausted) {
		t.Fatalf("err = %v, want quota.ErrExhausted", err)
	}
}

func TestForceCheckBypassesThreshold(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	// Score floor 0.1 would never pass a pass's threshold; force must run it.
	sch := f.addSchedule(t, "lowly", 1, "")
	if _, err := f.sched.ForceCheck(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.fetcher.calls) != 1 {
		t.Fatalf("fetcher called %d times, want 1", len(f.fetcher.calls))
	}
}

func TestReviewEffectivenessFlagsWeakSchedules(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	weak := f.addSchedule(t, "weak", 3, "")
	strong := f.addSchedule(t, "strong", 3, "")

	seed := func(schID string, n, found int) {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("out_%s_%d", schID, i)
			rec := &store.OutcomeRecord{
				ID: id, ScheduleID: &schID, ChannelID: "chan_" + schID,
				CheckTime:    f.now.Add(-time.Duration(i) * time.Hour).UnixMilli(),
				ContentFound: i < found, APICallsMade: 3, ResultType: store.ResultScheduled,
			}
			if err := f.st.InsertOutcome(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
	}
	seed(weak.ID, 12, 1)    // 8%: flagged
	seed(strong.ID, 12, 10) // 83%: fine

	flagged, err := f.sched.ReviewEffectiveness(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if flagged != 1 {
		t.Fatalf("flagged %d schedules, want 1", flagged)
	}
}

func TestStreamStatusTransitionNotifiesAndPersists(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	sch := f.addSchedule(t, "streamer", 5, "12:00")
	f.fetcher.results[sch.ID] = &CheckResult{APICalls: 3, StreamStatus: "live"}

	if _, err := f.sched.ForceCheck(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}
	want := "chan_streamer:>live"
	if len(f.sink.transitions) != 1 || f.sink.transitions[0] != want {
		t.Fatalf("transitions = %v, want [%s]", f.sink.transitions, want)
	}

	got, err := f.st.GetSchedule(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamStatus != "live" {
		t.Fatalf("persisted stream status = %q, want live", got.StreamStatus)
	}

	// Same status again is not a transition.
	if _, err := f.sched.ForceCheck(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.sink.transitions) != 1 {
		t.Fatalf("transitions after repeat = %v, want unchanged", f.sink.transitions)
	}
}
