package quota

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ronde/dbopen"
	"github.com/hazyhaar/ronde/internal/store"
)

func testLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return New(store.NewStore(db), cfg, nil)
}

func TestTryReserveWithinBudget(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	ok, err := l.TryReserve(ctx, ClassDetail, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected admission")
	}

	r, err := l.Remaining(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r != 99 {
		t.Fatalf("remaining = %d, want 99", r)
	}
}

func TestUsedNeverExceedsLimit(t *testing.T) {
	// WHAT: no sequence of reservations can push used past the limit.
	// WHY: the daily budget is a hard external constraint.
	l := testLedger(t, Config{DailyLimit: 10})
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 50; i++ {
		ok, err := l.TryReserve(ctx, ClassDetail, 1)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			admitted++
		}
	}
	if admitted > 10 {
		t.Fatalf("admitted %d reservations against limit 10", admitted)
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Used > 10 {
		t.Fatalf("used = %d, exceeds limit", st.Used)
	}
}

func TestOverflowTripsLockout(t *testing.T) {
	// Scenario: limit 100; a cost-1 detail reservation is admitted, then a
	// cost-100 search would exceed and trips lockout, after which even a
	// cost-1 reservation is denied.
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	ok, err := l.TryReserve(ctx, ClassDetail, 1)
	if err != nil || !ok {
		t.Fatalf("detail: ok=%v err=%v", ok, err)
	}

	ok, err = l.TryReserve(ctx, ClassSearch, 100)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("search reservation should be denied (would exceed)")
	}

	ok, err = l.TryReserve(ctx, ClassDetail, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("cost-1 reservation should be denied under lockout")
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Locked {
		t.Fatal("day should be locked")
	}
	if st.Used != 1 {
		t.Fatalf("used = %d, want 1 (denials never mutate)", st.Used)
	}
}

func TestExactFitIsAdmitted(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	ok, err := l.TryReserve(ctx, ClassSearch, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("spending the whole budget exactly is not an overflow")
	}
	r, _ := l.Remaining(ctx)
	if r != 0 {
		t.Fatalf("remaining = %d, want 0", r)
	}
}

func TestLockoutClearsAtRollover(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 10})
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return day })

	if ok, _ := l.TryReserve(ctx, ClassDetail, 11); ok {
		t.Fatal("should overflow")
	}
	if ok, _ := l.TryReserve(ctx, ClassDetail, 1); ok {
		t.Fatal("locked out")
	}

	// Next calendar day: budget and lockout reset implicitly.
	l.SetClock(func() time.Time { return day.AddDate(0, 0, 1) })
	ok, err := l.TryReserve(ctx, ClassDetail, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("new day should admit again")
	}
}

func TestRestrictionTiers(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	// Burn to 80% utilization with detail calls.
	for i := 0; i < 80; i++ {
		if ok, err := l.TryReserve(ctx, ClassDetail, 1); err != nil || !ok {
			t.Fatalf("burn %d: ok=%v err=%v", i, ok, err)
		}
	}

	// ≥75%: the lowest-rank class (search) is blocked, others admitted.
	if ok, _ := l.TryReserve(ctx, ClassSearch, 1); ok {
		t.Fatal("search should be blocked at high utilization")
	}
	if ok, _ := l.TryReserve(ctx, ClassList, 1); !ok {
		t.Fatal("list should still be admitted at high utilization")
	}

	// Burn to 91%.
	for i := 0; i < 10; i++ {
		if ok, err := l.TryReserve(ctx, ClassDetail, 1); err != nil || !ok {
			t.Fatalf("burn to critical %d: ok=%v err=%v", i, ok, err)
		}
	}

	// ≥90%: only the highest-rank class (detail) passes.
	if ok, _ := l.TryReserve(ctx, ClassList, 1); ok {
		t.Fatal("list should be blocked at critical utilization")
	}
	if ok, _ := l.TryReserve(ctx, ClassDetail, 1); !ok {
		t.Fatal("detail should be admitted at critical utilization")
	}
}

func TestStatusReportsRestrictionTier(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	tier := func() string {
		t.Helper()
		st, err := l.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return st.Restriction
	}
	burn := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			if ok, err := l.TryReserve(ctx, ClassDetail, 1); err != nil || !ok {
				t.Fatalf("burn: ok=%v err=%v", ok, err)
			}
		}
	}

	if got := tier(); got != RestrictionNone {
		t.Fatalf("tier = %q, want none", got)
	}
	burn(50)
	if got := tier(); got != RestrictionModerate {
		t.Fatalf("tier at 50%% = %q, want moderate", got)
	}
	// The moderate tier is advisory: every class is still admitted.
	if ok, err := l.TryReserve(ctx, ClassSearch, 1); err != nil || !ok {
		t.Fatalf("search at moderate: ok=%v err=%v", ok, err)
	}
	burn(24) // used = 75
	if got := tier(); got != RestrictionHigh {
		t.Fatalf("tier at 75%% = %q, want high", got)
	}
	burn(15) // used = 90
	if got := tier(); got != RestrictionCritical {
		t.Fatalf("tier at 90%% = %q, want critical", got)
	}
}

func TestBorrowEmergencyCap(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100}) // reserve = 10
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.BorrowEmergency(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("borrow %d should succeed", i+1)
		}
	}

	ok, err := l.BorrowEmergency(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("emergency reserve exhausted, borrow should be denied")
	}
}

func TestBorrowEmergencySurvivesLockout(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	if ok, _ := l.TryReserve(ctx, ClassSearch, 101); ok {
		t.Fatal("should overflow")
	}

	// Lockout suppresses scheduled reservations, not the emergency reserve.
	ok, err := l.BorrowEmergency(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("emergency borrow should still work under lockout")
	}
}

func TestRecordOutcomeEfficiency(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	ctx := context.Background()

	if err := l.RecordOutcome(ctx, "sch_1", true, 2); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordOutcome(ctx, "sch_1", false, 2); err != nil {
		t.Fatal(err)
	}

	// 1 found over 4 calls = 25%.
	db := l.store
	u, err := db.GetQuotaUsage(ctx, "sch_1", l.Day())
	if err != nil {
		t.Fatal(err)
	}
	if u.APICallsUsed != 4 || u.VideosFound != 1 {
		t.Fatalf("usage = %+v", u)
	}
	if u.EfficiencyScore != 25 {
		t.Fatalf("efficiency = %v, want 25", u.EfficiencyScore)
	}
}

func TestUnknownClassIsError(t *testing.T) {
	l := testLedger(t, Config{DailyLimit: 100})
	if _, err := l.TryReserve(context.Background(), OperationClass("bogus"), 1); err == nil {
		t.Fatal("expected error for unknown class")
	}
}
