package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLog(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	return NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "log")
}

func TestAppendAndQuery(t *testing.T) {
	store := newTestLog(t)
	ctx := context.Background()

	ev := New(TypeFailedLogin, "p1").WithConn("203.0.113.5", "test-agent").WithMeta("k", "v")
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := store.Query(ctx, Filter{Type: TypeFailedLogin})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].PrincipalID != "p1" || got[0].IP != "203.0.113.5" || got[0].Metadata["k"] != "v" {
		t.Fatalf("event mismatch: %+v", got[0])
	}
	if got[0].Seq == 0 {
		t.Fatal("expected a sequence number")
	}
}

func TestQueryOrderedBySequenceWithinSameTimestamp(t *testing.T) {
	store := newTestLog(t)
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Second)
	for _, pid := range []string{"a", "b", "c"} {
		ev := New(TypeLoginSuccess, pid)
		ev.Timestamp = ts
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append %s failed: %v", pid, err)
		}
	}

	got, err := store.Query(ctx, Filter{Type: TypeLoginSuccess})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("events out of insertion order: %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}
}

func TestCountByTypesWindow(t *testing.T) {
	store := newTestLog(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := New(TypeFailedLogin, "p1")
	old.Timestamp = now.Add(-time.Hour)
	if err := store.Append(ctx, old); err != nil {
		t.Fatalf("Append old failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, New(TypeFailedLogin, "p1")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := store.Append(ctx, New(TypeFailedLogin, "p2")); err != nil {
		t.Fatalf("Append p2 failed: %v", err)
	}

	n, err := store.CountByTypes(ctx, []string{TypeFailedLogin}, "p1", now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("CountByTypes failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 recent p1 events, got %d", n)
	}

	total, err := store.CountByType(ctx, TypeFailedLogin, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("CountByType failed: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 recent events in total, got %d", total)
	}
}

func TestIPCounts(t *testing.T) {
	store := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.Append(ctx, New(TypeFailedLogin, "p1").WithConn("198.51.100.7", "ua")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := store.Append(ctx, New(TypeRateLimitHit, "").WithConn("198.51.100.7", "ua")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, New(TypeFailedLogin, "p2")); err != nil {
		t.Fatalf("Append no-IP failed: %v", err)
	}

	counts, err := store.IPCounts(ctx, []string{TypeFailedLogin, TypeRateLimitHit}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("IPCounts failed: %v", err)
	}
	if counts["198.51.100.7"] != 3 {
		t.Fatalf("expected 3 events for the IP, got %d", counts["198.51.100.7"])
	}
	if len(counts) != 1 {
		t.Fatalf("IP-less events must be skipped: %v", counts)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	store := newTestLog(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := New(TypeLoginSuccess, "p1")
	old.Timestamp = now.Add(-48 * time.Hour)
	if err := store.Append(ctx, old); err != nil {
		t.Fatalf("Append old failed: %v", err)
	}
	if err := store.Append(ctx, New(TypeLoginSuccess, "p1")); err != nil {
		t.Fatalf("Append fresh failed: %v", err)
	}

	removed, err := store.PurgeOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	left, err := store.Query(ctx, Filter{Type: TypeLoginSuccess})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(left) != 1 {
		t.Fatalf("expected 1 surviving event, got %d", len(left))
	}

	n, err := store.CountByType(ctx, TypeLoginSuccess, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("CountByType failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("type index not purged: %d", n)
	}
}
