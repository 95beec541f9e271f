package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps Redis transport failures.
var ErrStoreUnavailable = errors.New("event log unavailable")

// Store is the append-only Redis event log. Events live in a global sorted
// set scored by timestamp (milliseconds) with a monotonic sequence embedded
// in the member for total ordering; a compact per-type index serves the
// window counts the risk scorer and the alert checker run on every request.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates an event log under the given key prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) seqKey() string   { return s.prefix + ":seq" }
func (s *Store) mainKey() string  { return s.prefix + ":ev" }
func (s *Store) typesKey() string { return s.prefix + ":types" }

func (s *Store) typeKey(eventType string) string { return s.prefix + ":t:" + eventType }

// Append stores one event. The assigned sequence number is written back
// into ev for the caller's benefit, but the stored copy is authoritative.
func (s *Store) Append(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ev.Seq = seq

	blob, err := ev.marshal()
	if err != nil {
		return err
	}

	score := float64(ev.Timestamp.UnixMilli())
	member := fmt.Sprintf("%016d|%s", seq, blob)
	// The per-type index member carries principal and IP so window counts
	// never have to parse full event JSON.
	idxMember := fmt.Sprintf("%016d|%s|%s", seq, ev.PrincipalID, ev.IP)

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.mainKey(), redis.Z{Score: score, Member: member})
		pipe.ZAdd(ctx, s.typeKey(ev.Type), redis.Z{Score: score, Member: idxMember})
		pipe.SAdd(ctx, s.typesKey(), ev.Type)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CountByTypes counts events of any of the given types since the given
// time. A non-empty principalID restricts the count to that principal.
func (s *Store) CountByTypes(ctx context.Context, types []string, principalID string, since time.Time) (int, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	var total int

	for _, typ := range types {
		if principalID == "" {
			n, err := s.redis.ZCount(ctx, s.typeKey(typ), min, "+inf").Result()
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			total += int(n)
			continue
		}

		members, err := s.redis.ZRangeByScore(ctx, s.typeKey(typ), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, m := range members {
			if indexPrincipal(m) == principalID {
				total++
			}
		}
	}
	return total, nil
}

// CountByType counts events of a single type since the given time.
func (s *Store) CountByType(ctx context.Context, eventType string, since time.Time) (int, error) {
	return s.CountByTypes(ctx, []string{eventType}, "", since)
}

// IPCounts tallies events per source IP for the given types since the
// given time. Events without an IP are skipped.
func (s *Store) IPCounts(ctx context.Context, types []string, since time.Time) (map[string]int, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	out := make(map[string]int)

	for _, typ := range types {
		members, err := s.redis.ZRangeByScore(ctx, s.typeKey(typ), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, m := range members {
			if ip := indexIP(m); ip != "" {
				out[ip]++
			}
		}
	}
	return out, nil
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Type        string
	PrincipalID string
	IP          string
	From        time.Time
	To          time.Time
	Limit       int
}

// Query returns matching events in timestamp order, sequence-tie-broken.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	min, max := "-inf", "+inf"
	if !f.From.IsZero() {
		min = strconv.FormatInt(f.From.UnixMilli(), 10)
	}
	if !f.To.IsZero() {
		max = strconv.FormatInt(f.To.UnixMilli(), 10)
	}

	members, err := s.redis.ZRangeByScore(ctx, s.mainKey(), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]Event, 0, len(members))
	for _, m := range members {
		_, blob, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		ev, err := unmarshalEvent([]byte(blob))
		if err != nil {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
			continue
		}
		if f.IP != "" && ev.IP != f.IP {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// PurgeOlderThan removes events whose timestamp predates the cutoff from
// the main log and every type index. This is the only deletion path.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconv.FormatInt(cutoff.UnixMilli()-1, 10)

	removed, err := s.redis.ZRemRangeByScore(ctx, s.mainKey(), "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	types, err := s.redis.SMembers(ctx, s.typesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return int(removed), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, typ := range types {
		if err := s.redis.ZRemRangeByScore(ctx, s.typeKey(typ), "-inf", max).Err(); err != nil {
			return int(removed), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return int(removed), nil
}

func indexPrincipal(member string) string {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func indexIP(member string) string {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
