package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session does not exist in the store.
var ErrNotFound = errors.New("session not found")

// ErrStoreUnavailable wraps Redis transport failures. Authentication-critical
// callers must treat it as fail-closed.
var ErrStoreUnavailable = errors.New("session store unavailable")

// createSessionScript inserts a session and enforces the per-principal
// ceiling in one atomic step. When the principal is at the ceiling it evicts
// the oldest session (lowest creation score) before inserting, and returns
// the evicted session ID so the caller can account for it. Running the
// read-evict-insert sequence inside a single EVAL is what makes concurrent
// CreateSession calls for the same principal safe.
const createSessionScript = `
local uz_key = KEYS[1]
local exp_key = KEYS[2]
local sid = ARGV[1]
local blob = ARGV[2]
local created = tonumber(ARGV[3])
local expires = tonumber(ARGV[4])
local max_sessions = tonumber(ARGV[5])
local session_prefix = ARGV[6]
local ttl_ms = tonumber(ARGV[7])

local evicted = ''
local count = redis.call("ZCARD", uz_key)
if count >= max_sessions then
  local oldest = redis.call("ZRANGE", uz_key, 0, 0)
  if oldest[1] then
    evicted = oldest[1]
    redis.call("DEL", session_prefix .. evicted)
    redis.call("ZREM", uz_key, evicted)
    redis.call("ZREM", exp_key, evicted)
  end
end

redis.call("SET", session_prefix .. sid, blob, "PX", ttl_ms)
redis.call("ZADD", uz_key, created, sid)
redis.call("ZADD", exp_key, expires, sid)

return evicted
`

var createSessionLua = redis.NewScript(createSessionScript)

// deleteSessionScript removes a session and its index entries. It returns
// whether the session key still existed, which makes deactivation idempotent
// and lets concurrent sweeps agree on who actually removed it.
const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is the Redis-backed session store. Session blobs live under
// <prefix>:s:<id> with a TTL of expiry plus a retention grace, a
// per-principal sorted set ordered by creation time drives eviction, and a
// global sorted set ordered by expiry drives the sweep.
//
// The retention grace keeps expired-but-unswept sessions observable so
// validation can distinguish "expired" from "never existed".
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a session Store. retention controls how long an expired
// blob remains readable before Redis reaps it; zero selects one hour.
func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{redis: client, prefix: prefix, retention: retention}
}

func (s *Store) sessionPrefix() string { return s.prefix + ":s:" }

func (s *Store) key(sessionID string) string { return s.sessionPrefix() + sessionID }

func (s *Store) principalKey(principalID string) string { return s.prefix + ":u:" + principalID }

func (s *Store) expiryKey() string { return s.prefix + ":exp" }

// Create persists a new session, enforcing the per-principal ceiling
// atomically. It returns the ID of the session that was evicted to make
// room, or "" when no eviction occurred.
func (s *Store) Create(ctx context.Context, sess *Session, maxPerPrincipal int) (string, error) {
	blob, err := Encode(sess)
	if err != nil {
		return "", err
	}

	ttl := time.Until(time.Unix(sess.ExpiresAt, 0)) + s.retention
	if ttl <= 0 {
		return "", errors.New("session already expired at creation")
	}

	evicted, err := createSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.principalKey(sess.PrincipalID), s.expiryKey()},
		sess.SessionID,
		blob,
		sess.CreatedAt,
		sess.ExpiresAt,
		maxPerPrincipal,
		s.sessionPrefix(),
		ttl.Milliseconds(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return evicted, nil
}

// Get fetches a session by ID. Expired-but-retained sessions are returned
// as-is; callers decide what expiry means.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID
	return sess, nil
}

// Update rewrites a session blob in place, keeping the existing TTL. The
// whole mutated record is written in one SET so flag accumulation and
// activity updates cannot partially apply.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	blob, err := Encode(sess)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(sess.SessionID), blob, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Delete deactivates a session. It reports whether the session still
// existed, and succeeds either way.
func (s *Store) Delete(ctx context.Context, principalID, sessionID string) (bool, error) {
	existed, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.principalKey(principalID), s.expiryKey()},
		sessionID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return existed == 1, nil
}

// DeleteAllForPrincipal deactivates every session of a principal and
// returns how many existed.
func (s *Store) DeleteAllForPrincipal(ctx context.Context, principalID string) (int, error) {
	ids, err := s.ActiveSessionIDs(ctx, principalID)
	if err != nil {
		return 0, err
	}

	var removed int
	for _, id := range ids {
		existed, err := s.Delete(ctx, principalID, id)
		if err != nil {
			return removed, err
		}
		if existed {
			removed++
		}
	}
	return removed, nil
}

// CountActive returns the number of indexed sessions for a principal.
func (s *Store) CountActive(ctx context.Context, principalID string) (int, error) {
	n, err := s.redis.ZCard(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(n), nil
}

// ActiveSessionIDs returns a principal's session IDs, oldest first.
func (s *Store) ActiveSessionIDs(ctx context.Context, principalID string) ([]string, error) {
	ids, err := s.redis.ZRange(ctx, s.principalKey(principalID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}

// ActiveSessions fetches a principal's live sessions, oldest first,
// skipping any that expired under the retention grace.
func (s *Store) ActiveSessions(ctx context.Context, principalID string) ([]*Session, error) {
	ids, err := s.ActiveSessionIDs(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := time.Now().Unix()
	out := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = ids[i]
		if sess.Expired(now) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// ExpiredSessionIDs returns up to limit session IDs whose expiry is at or
// before now, for the sweep to deactivate.
func (s *Store) ExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	ids, err := s.redis.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}

// AllSessionIDs returns every indexed session ID fleet-wide, in expiry
// order. Intended for analytics sweeps, not hot-path lookups.
func (s *Store) AllSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.redis.ZRange(ctx, s.expiryKey(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}

// SessionsByIDs fetches the given sessions in bulk, skipping missing and
// expired ones.
func (s *Store) SessionsByIDs(ctx context.Context, ids []string) ([]*Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := time.Now().Unix()
	out := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = ids[i]
		if sess.Expired(now) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// RemoveExpiryIndex drops a dangling expiry-index entry whose session blob
// is already gone.
func (s *Store) RemoveExpiryIndex(ctx context.Context, sessionID string) error {
	if err := s.redis.ZRem(ctx, s.expiryKey(), sessionID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping reports store reachability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}
