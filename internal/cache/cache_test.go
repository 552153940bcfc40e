package cache

import (
	"bytes"
	"context"
	"encoding/json"
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

// testCache wires all three tiers with the warm tier in memory.
func testCache(t *testing.T, withPrefetch bool) (*Cache, *PrefetchQueue) {
	t.Helper()
	st := testStore(t)

	hot, err := NewHotTier(8 << 20)
	if err != nil {
		t.Fatalf("hot tier: %v", err)
	}
	warm, err := NewWarmTier("")
	if err != nil {
		t.Fatalf("warm tier: %v", err)
	}
	cold := NewColdTier(st)

	var pq *PrefetchQueue
	if withPrefetch {
		pq, err = NewPrefetchQueue(st.DB, st, PrefetchConfig{Bound: 100})
		if err != nil {
			t.Fatalf("prefetch queue: %v", err)
		}
	}
	c := New(st, []Tier{hot, warm, cold}, pq, Config{})
	t.Cleanup(func() { c.Close() })
	return c, pq
}

func hotOf(c *Cache) *HotTier { return c.tiers[0].(*HotTier) }

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := testCache(t, false)
	ctx := context.Background()

	key := KeyFor("youtube", "video", "abc123")
	payload := []byte(`{"title":"new upload"}`)
	if err := c.Set(ctx, key, payload, "video", PriorityHigh, time.Hour, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	hotOf(c).Wait()

	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestHighPriorityReachesColdTier(t *testing.T) {
	c, _ := testCache(t, false)
	ctx := context.Background()

	if err := c.Set(ctx, "k_high", []byte("x"), "detail", PriorityCritical, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "k_low", []byte("y"), "detail", PriorityLow, time.Hour, nil); err != nil {
		t.Fatal(err)
	}

	cold := c.tiers[len(c.tiers)-1]
	if _, ok, _ := cold.Get(ctx, "k_high"); !ok {
		t.Error("critical entry should be in the durable tier")
	}
	if _, ok, _ := cold.Get(ctx, "k_low"); ok {
		t.Error("low entry should not reach the durable tier when fast tiers accept it")
	}
}

func TestTamperedEntryIsMissAndPurged(t *testing.T) {
	c, _ := testCache(t, false)
	ctx := context.Background()

	key := "tampered"
	if err := c.Set(ctx, key, []byte("original"), "detail", PriorityNormal, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	hotOf(c).Wait()

	// Corrupt the payload everywhere while keeping the old checksum.
	for _, tier := range c.tiers {
		raw, ok, err := tier.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatal(err)
		}
		env.Data = []byte("forged")
		forged, _ := json.Marshal(env)
		if err := tier.Set(ctx, key, forged, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	hotOf(c).Wait()

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("tampered entry must be a miss")
	}
	for _, tier := range c.tiers {
		if _, ok, _ := tier.Get(ctx, key); ok {
			t.Errorf("tier %s still holds the tampered entry", tier.Name())
		}
	}
}

func TestLowerTierHitPromotes(t *testing.T) {
	c, _ := testCache(t, false)
	ctx := context.Background()

	key := "promoted"
	// Seed only the durable tier.
	env := Seal([]byte("deep"), "detail", PriorityNormal, time.Hour, nil, time.Now())
	raw, _ := env.Encode()
	cold := c.tiers[len(c.tiers)-1]
	if err := cold.Set(ctx, key, raw, time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("expected cold hit")
	}
	hotOf(c).Wait()

	if _, ok, _ := c.tiers[0].Get(ctx, key); !ok {
		t.Error("hit should have been promoted to the hot tier")
	}
	if _, ok, _ := c.tiers[1].Get(ctx, key); !ok {
		t.Error("hit should have been promoted to the warm tier")
	}
}

func TestHardStalenessOverridesTTL(t *testing.T) {
	c, _ := testCache(t, false)
	ctx := context.Background()

	key := "ancient"
	old := time.Now().Add(-8 * 24 * time.Hour)
	env := Seal([]byte("fossil"), "detail", PriorityNormal, 30*24*time.Hour, nil, old)
	raw, _ := env.Encode()
	if err := c.tiers[len(c.tiers)-1].Set(ctx, key, raw, 30*24*time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("entries past the hard staleness bound must miss regardless of TTL")
	}
}

func TestMissEnqueuesPrefetch(t *testing.T) {
	c, pq := testCache(t, true)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "nothere"); ok {
		t.Fatal("unexpected hit")
	}
	n, err := pq.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}
}

func TestNearExpiryHitEnqueuesRefresh(t *testing.T) {
	c, pq := testCache(t, true)
	ctx := context.Background()

	key := "fading"
	// 80% of the lifetime already elapsed.
	sealed := time.Now().Add(-48 * time.Minute)
	env := Seal([]byte("v"), "detail", PriorityNormal, time.Hour, nil, sealed)
	raw, _ := env.Encode()
	if err := c.tiers[len(c.tiers)-1].Set(ctx, key, raw, time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("expected hit")
	}
	n, err := pq.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue depth = %d, want 1 refresh task", n)
	}
}

func TestRelatedKeysCapped(t *testing.T) {
	c, pq := testCache(t, true)
	ctx := context.Background()

	related := []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7"}
	if err := c.Set(ctx, "hub", []byte("v"), "list", PriorityHigh, time.Hour, related); err != nil {
		t.Fatal(err)
	}
	hotOf(c).Wait()

	if _, ok := c.Get(ctx, "hub"); !ok {
		t.Fatal("expected hit")
	}
	n, err := pq.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("queue depth = %d, want 5 (related keys capped)", n)
	}
}

func TestDrainFetchesAndStores(t *testing.T) {
	c, pq := testCache(t, true)
	ctx := context.Background()

	if err := pq.Enqueue(ctx, "warmup", ReasonMiss); err != nil {
		t.Fatal(err)
	}

	fetched := 0
	fetch := func(_ context.Context, key string) ([]byte, string, time.Duration, error) {
		fetched++
		return []byte("fresh:" + key), "detail", time.Hour, nil
	}
	n, err := pq.Drain(ctx, c, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || fetched != 1 {
		t.Fatalf("drained %d, fetch calls %d, want 1/1", n, fetched)
	}
	hotOf(c).Wait()

	got, ok := c.Get(ctx, "warmup")
	if !ok || !bytes.Equal(got, []byte("fresh:warmup")) {
		t.Fatalf("prefetched entry missing or wrong: %q ok=%v", got, ok)
	}

	// A second drain finds nothing to do.
	n, err = pq.Drain(ctx, c, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second drain fetched %d, want 0", n)
	}
}

func TestDrainSkipsSatisfiedTasks(t *testing.T) {
	c, pq := testCache(t, true)
	ctx := context.Background()

	if err := pq.Enqueue(ctx, "already", ReasonMiss); err != nil {
		t.Fatal(err)
	}
	// A concurrent fetch lands before the drain runs.
	if err := c.Set(ctx, "already", []byte("v"), "detail", PriorityHigh, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	hotOf(c).Wait()

	n, err := pq.Drain(ctx, c, func(context.Context, string) ([]byte, string, time.Duration, error) {
		t.Fatal("fetch must not run for a satisfied task")
		return nil, "", 0, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("drained %d, want 0", n)
	}
}

func TestReEnqueueKeepsHigherPriority(t *testing.T) {
	c, pq := testCache(t, true)
	ctx := context.Background()
	_ = c

	if err := pq.Enqueue(ctx, "dup", ReasonMiss); err != nil {
		t.Fatal(err)
	}
	if err := pq.Enqueue(ctx, "dup", ReasonRefresh); err != nil {
		t.Fatal(err)
	}
	n, err := pq.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue depth = %d, want 1 (dedup by key)", n)
	}
}

func TestInvalidateRemovesEverywhere(t *testing.T) {
	c, _ := testCache(t, false)
	ctx := context.Background()

	if err := c.Set(ctx, "gone", []byte("v"), "detail", PriorityCritical, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	hotOf(c).Wait()

	c.Invalidate(ctx, "gone")
	hotOf(c).Wait()

	if _, ok := c.Get(ctx, "gone"); ok {
		t.Fatal("invalidated key must miss")
	}
}
