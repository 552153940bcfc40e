package vtq_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ronde/dbopen"
	"github.com/hazyhaar/ronde/vtq"
)

func newQ(t *testing.T, opts vtq.Options) (*vtq.Q, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, db
}

func TestPublishAndClaim(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("hello"), 10); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "j1" {
		t.Fatalf("got id %q, want j1", job.ID)
	}
	if string(job.Payload) != "hello" {
		t.Fatalf("got payload %q, want hello", string(job.Payload))
	}
	if job.Priority != 10 {
		t.Fatalf("got priority %d, want 10", job.Priority)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil — job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatalf("expected no job, got %q", job2.ID)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()

	for i, prio := range []int{10, 40, 20} {
		if err := q.Publish(ctx, fmt.Sprintf("j%d", i), nil, prio); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := q.ClaimBatch(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	if jobs[0].Priority != 40 || jobs[1].Priority != 20 || jobs[2].Priority != 10 {
		t.Fatalf("wrong order: %d, %d, %d", jobs[0].Priority, jobs[1].Priority, jobs[2].Priority)
	}
}

func TestBoundRejectsWhenFull(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Bound: 2})
	ctx := context.Background()

	if err := q.Publish(ctx, "a", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, "b", nil, 0); err != nil {
		t.Fatal(err)
	}
	err := q.Publish(ctx, "c", nil, 0)
	if !errors.Is(err, vtq.ErrFull) {
		t.Fatalf("got %v, want ErrFull", err)
	}

	// Re-publishing an existing ID is not a new row and must still work.
	if err := q.Publish(ctx, "a", nil, 5); err != nil {
		t.Fatalf("republish existing: %v", err)
	}
}

func TestPublishExistingKeepsHighestPriority(t *testing.T) {
	q, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", nil, 30); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, "j1", nil, 10); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.Priority != 30 {
		t.Fatalf("got priority %d, want 30", job.Priority)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: 30 * time.Millisecond})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have become visible again")
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestAckRemoves(t *testing.T) {
	q, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", nil, 0); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestNackMakesVisible(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", nil, 0); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Claim(ctx)
	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("nacked job should be claimable")
	}
}

func TestMaxAttemptsDiscards(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", nil, 0); err != nil {
		t.Fatal(err)
	}

	// Two deliveries allowed; the third claim deletes the job.
	for i := 0; i < 2; i++ {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("claim %d: expected job", i+1)
		}
		time.Sleep(5 * time.Millisecond)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected discard, got attempts=%d", job.Attempts)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestDiscardOlderThan(t *testing.T) {
	q, db := newQ(t, vtq.Options{})
	ctx := context.Background()

	if err := q.Publish(ctx, "old", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, "new", nil, 0); err != nil {
		t.Fatal(err)
	}
	// Backdate one row two hours.
	past := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := db.Exec(`UPDATE vtq_jobs SET created_at = ? WHERE id = 'old'`, past); err != nil {
		t.Fatal(err)
	}

	n, err := q.DiscardOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("discarded %d, want 1", n)
	}
	if l, _ := q.Len(ctx); l != 1 {
		t.Fatalf("len = %d, want 1", l)
	}
}
