package learner

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ronde/dbopen"
	"github.com/hazyhaar/ronde/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store.NewStore(db)
}

func testSchedule(t *testing.T, s *store.Store, id string) *store.ChannelSchedule {
	t.Helper()
	sch := &store.ChannelSchedule{
		ID:        id,
		ChannelID: "chan_" + id,
		Platform:  "youtube",
		Priority:  3,
		Active:    true,
	}
	if err := s.InsertSchedule(context.Background(), sch); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	return sch
}

// seedOutcomes inserts n checks inside the hour starting at base, the first
// `found` of them successful.
func seedOutcomes(t *testing.T, s *store.Store, scheduleID string, base time.Time, n, found int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &store.OutcomeRecord{
			ID:             fmt.Sprintf("out_%s_%d_%d", scheduleID, base.Unix(), i),
			ScheduleID:     &scheduleID,
			ChannelID:      "chan_" + scheduleID,
			CheckTime:      base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			ContentFound:   i < found,
			APICallsMade:   1,
			ResultType:     store.ResultScheduled,
			ResponseTimeMs: 120,
		}
		if err := s.InsertOutcome(context.Background(), rec); err != nil {
			t.Fatalf("insert outcome: %v", err)
		}
	}
}

func TestUpdatePatternsThresholdAndIdempotency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sch := testSchedule(t, s, "sch1")

	base := time.Date(2026, 7, 6, 18, 0, 0, 0, time.UTC)
	seedOutcomes(t, s, sch.ID, base, 12, 9)                   // qualifies
	seedOutcomes(t, s, sch.ID, base.Add(-9*time.Hour), 5, 4) // too thin

	l := New(s, Config{})
	l.SetClock(func() time.Time { return base.Add(24 * time.Hour) })

	if err := l.UpdatePatterns(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}
	first, err := s.PatternsFor(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d buckets, want 1 (thin bucket dropped)", len(first))
	}
	p := first[0]
	if p.Hour != 18 || p.SuccessCount != 9 || p.TotalCount != 12 {
		t.Fatalf("bucket = %+v", p)
	}

	// Re-running on unchanged outcomes must not change the stored set.
	if err := l.UpdatePatterns(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}
	second, err := s.PatternsFor(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("patterns changed on rerun:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestMultiplier(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sch := testSchedule(t, s, "sch1")

	base := time.Date(2026, 7, 6, 18, 0, 0, 0, time.UTC)
	dow := int(base.Weekday())
	seedOutcomes(t, s, sch.ID, base, 10, 8)

	l := New(s, Config{})
	l.SetClock(func() time.Time { return base.Add(24 * time.Hour) })
	if err := l.UpdatePatterns(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}

	if m := l.Multiplier(ctx, sch.ID, dow, 18); m != 1.4 {
		t.Errorf("multiplier at learned bucket = %v, want 1.4", m)
	}
	if m := l.Multiplier(ctx, sch.ID, dow, 3); m != 1.0 {
		t.Errorf("multiplier at unknown bucket = %v, want 1.0", m)
	}
}

func TestPredictability(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 6, 12, 0, 0, 0, time.UTC)

	regular := testSchedule(t, s, "regular")
	for i := 0; i < 6; i++ {
		seedOutcomes(t, s, regular.ID, base.Add(time.Duration(i)*24*time.Hour), 1, 1)
	}

	erratic := testSchedule(t, s, "erratic")
	for _, off := range []time.Duration{0, time.Hour, 80 * time.Hour, 83 * time.Hour, 200 * time.Hour} {
		seedOutcomes(t, s, erratic.ID, base.Add(off), 1, 1)
	}

	sparse := testSchedule(t, s, "sparse")
	seedOutcomes(t, s, sparse.ID, base, 2, 2)

	l := New(s, Config{})
	l.SetClock(func() time.Time { return base.Add(10 * 24 * time.Hour) })

	pr, err := l.Predictability(ctx, regular.ID)
	if err != nil {
		t.Fatal(err)
	}
	pe, err := l.Predictability(ctx, erratic.ID)
	if err != nil {
		t.Fatal(err)
	}
	ps, err := l.Predictability(ctx, sparse.ID)
	if err != nil {
		t.Fatal(err)
	}

	if pr != 1.0 {
		t.Errorf("perfectly regular cadence = %v, want 1.0", pr)
	}
	if pe >= pr {
		t.Errorf("erratic cadence %v should score below regular %v", pe, pr)
	}
	if ps != 0.1 {
		t.Errorf("under 3 samples = %v, want the 0.1 floor", ps)
	}
}

func TestGenerateSuggestions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sch := testSchedule(t, s, "sch1")

	base := time.Date(2026, 7, 6, 18, 0, 0, 0, time.UTC)
	dow := int(base.Weekday())

	// Strong uncovered hour.
	seedOutcomes(t, s, sch.ID, base, 12, 9)
	// Weak hour covered by an existing permanent slot.
	weak := base.Add(-12 * time.Hour) // hour 6, same day
	seedOutcomes(t, s, sch.ID, weak, 12, 1)
	slot := &store.TimeSlot{
		ID: "slot1", ScheduleID: sch.ID, DayOfWeek: dow, TimeOfDay: "06:00",
	}
	if err := s.InsertSlot(ctx, slot); err != nil {
		t.Fatal(err)
	}

	l := New(s, Config{})
	l.SetClock(func() time.Time { return base.Add(24 * time.Hour) })
	if err := l.UpdatePatterns(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}

	sugg, err := l.GenerateSuggestions(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}

	var add, remove *Suggestion
	for i := range sugg {
		switch sugg[i].Type {
		case SuggestAddSlot:
			add = &sugg[i]
		case SuggestRemoveSlot:
			remove = &sugg[i]
		}
	}

	if add == nil {
		t.Fatal("expected an add_slot suggestion for the strong hour")
	}
	if add.Hour != 18 || add.DayOfWeek != dow {
		t.Errorf("add_slot at (%d, %d), want (%d, 18)", add.DayOfWeek, add.Hour, dow)
	}
	if add.Confidence != 90 {
		t.Errorf("add confidence = %d, want 90", add.Confidence)
	}

	if remove == nil {
		t.Fatal("expected a remove_slot suggestion for the weak slot")
	}
	if remove.SlotID != "slot1" {
		t.Errorf("remove targets %q, want slot1", remove.SlotID)
	}
	if remove.Confidence != 92 {
		t.Errorf("remove confidence = %d, want 92 (100 - 8%% effectiveness)", remove.Confidence)
	}
}

func TestSuggestionsSkipCoveredHours(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sch := testSchedule(t, s, "sch1")

	base := time.Date(2026, 7, 6, 18, 0, 0, 0, time.UTC)
	dow := int(base.Weekday())
	seedOutcomes(t, s, sch.ID, base, 12, 9)

	// Slot an hour away: inside the match window, so no add suggestion.
	slot := &store.TimeSlot{
		ID: "slot1", ScheduleID: sch.ID, DayOfWeek: dow, TimeOfDay: "19:00",
	}
	if err := s.InsertSlot(ctx, slot); err != nil {
		t.Fatal(err)
	}

	l := New(s, Config{})
	l.SetClock(func() time.Time { return base.Add(24 * time.Hour) })
	if err := l.UpdatePatterns(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}

	sugg, err := l.GenerateSuggestions(ctx, sch.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, sg := range sugg {
		if sg.Type == SuggestAddSlot {
			t.Fatalf("unexpected add_slot at (%d, %d): hour already covered", sg.DayOfWeek, sg.Hour)
		}
	}
}
