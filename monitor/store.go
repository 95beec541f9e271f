package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAlertNotFound is returned when an alert ID does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// ErrAlertResolved is returned when resolving an already resolved alert.
var ErrAlertResolved = errors.New("alert already resolved")

// ErrStoreUnavailable wraps Redis transport failures.
var ErrStoreUnavailable = errors.New("alert store unavailable")

// alertStore keeps alerts in Redis: one JSON blob per alert, a sorted set
// by creation time for listing, and one dedup key per unresolved
// (type, target) pair. The dedup key is what collapses a sustained
// condition into a single open alert.
type alertStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newAlertStore(client redis.UniversalClient, prefix string) *alertStore {
	return &alertStore{redis: client, prefix: prefix}
}

func (s *alertStore) key(id string) string { return s.prefix + ":alert:" + id }
func (s *alertStore) indexKey() string     { return s.prefix + ":alerts" }

func (s *alertStore) dedupKey(alertType, target string) string {
	return s.prefix + ":open:" + alertType + ":" + target
}

// create persists a new alert unless an unresolved alert with the same
// (type, target) already exists. It reports whether the alert was actually
// created.
func (s *alertStore) create(ctx context.Context, a *Alert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	// The dedup key wins or loses atomically. Whoever sets it owns the
	// open alert for this condition.
	ok, err := s.redis.SetNX(ctx, s.dedupKey(a.Type, a.Target), a.ID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return false, nil
	}

	blob, err := json.Marshal(a)
	if err != nil {
		return false, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(a.ID), blob, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(a.CreatedAt.UnixMilli()),
			Member: a.ID,
		})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

func (s *alertStore) get(ctx context.Context, id string) (*Alert, error) {
	blob, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var a Alert
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// list returns alerts newest first. unresolvedOnly skips resolved ones.
func (s *alertStore) list(ctx context.Context, unresolvedOnly bool, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.redis.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]*Alert, 0, limit)
	for _, id := range ids {
		a, err := s.get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrAlertNotFound) {
				continue
			}
			return nil, err
		}
		if unresolvedOnly && a.Resolved {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// resolve marks an alert resolved and releases its dedup key so the
// condition can alert again if it recurs. The transition is one-way.
func (s *alertStore) resolve(ctx context.Context, id, resolver, notes string) (*Alert, error) {
	a, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Resolved {
		return nil, ErrAlertResolved
	}

	a.Resolved = true
	a.ResolvedBy = resolver
	a.ResolvedAt = time.Now().UTC()
	a.Notes = notes

	blob, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(id), blob, 0)
		pipe.Del(ctx, s.dedupKey(a.Type, a.Target))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return a, nil
}
