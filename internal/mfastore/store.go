// Package mfastore persists per-principal MFA settings and backup-code
// hashes in Redis. Backup codes are consumed with a single SREM, which is
// what makes them strictly single-use under concurrent verification.
package mfastore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no settings record exists for the principal.
	ErrNotFound = errors.New("mfa settings not found")
	// ErrBackendUnavailable wraps Redis transport failures.
	ErrBackendUnavailable = errors.New("mfa backend unavailable")
)

// Settings is one principal's MFA record. EncryptedSecret is sealed by the
// engine's secretbox; BackupSalt is the per-principal salt mixed into every
// backup-code hash.
type Settings struct {
	PrincipalID     string
	EncryptedSecret []byte
	BackupSalt      []byte
	Enabled         bool
	FailedAttempts  int
	LastUsedAt      int64
	CreatedAt       int64
}

// Store is the Redis-backed MFA settings store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a Store under the given key prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "km"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(principalID string) string { return s.prefix + ":mfa:" + principalID }

func (s *Store) codesKey(principalID string) string { return s.prefix + ":bc:" + principalID }

func (s *Store) enabledKey() string { return s.prefix + ":enabled" }

// Get fetches a principal's settings record.
func (s *Store) Get(ctx context.Context, principalID string) (*Settings, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &Settings{PrincipalID: principalID}
	rec.Enabled = fields["enabled"] == "1"
	rec.FailedAttempts, _ = strconv.Atoi(fields["failed"])
	rec.LastUsedAt, _ = strconv.ParseInt(fields["last_used"], 10, 64)
	rec.CreatedAt, _ = strconv.ParseInt(fields["created"], 10, 64)
	if rec.EncryptedSecret, err = base64.StdEncoding.DecodeString(fields["secret"]); err != nil {
		return nil, fmt.Errorf("corrupt mfa secret for %s", principalID)
	}
	if rec.BackupSalt, err = base64.StdEncoding.DecodeString(fields["salt"]); err != nil {
		return nil, fmt.Errorf("corrupt backup salt for %s", principalID)
	}
	return rec, nil
}

// Put writes a full settings record, replacing any previous one.
func (s *Store) Put(ctx context.Context, rec *Settings) error {
	enabled := "0"
	if rec.Enabled {
		enabled = "1"
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(rec.PrincipalID), map[string]interface{}{
			"secret":    base64.StdEncoding.EncodeToString(rec.EncryptedSecret),
			"salt":      base64.StdEncoding.EncodeToString(rec.BackupSalt),
			"enabled":   enabled,
			"failed":    strconv.Itoa(rec.FailedAttempts),
			"last_used": strconv.FormatInt(rec.LastUsedAt, 10),
			"created":   strconv.FormatInt(rec.CreatedAt, 10),
		})
		if rec.Enabled {
			pipe.SAdd(ctx, s.enabledKey(), rec.PrincipalID)
		} else {
			pipe.SRem(ctx, s.enabledKey(), rec.PrincipalID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// SetEnabled flips the enabled flag and resets the failed-attempt counter.
func (s *Store) SetEnabled(ctx context.Context, principalID string, enabled bool) error {
	flag := "0"
	if enabled {
		flag = "1"
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(principalID), "enabled", flag, "failed", "0")
		if enabled {
			pipe.SAdd(ctx, s.enabledKey(), principalID)
		} else {
			pipe.SRem(ctx, s.enabledKey(), principalID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// IncrementFailed bumps the failed-attempt counter and returns the new value.
func (s *Store) IncrementFailed(ctx context.Context, principalID string) (int, error) {
	n, err := s.redis.HIncrBy(ctx, s.key(principalID), "failed", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// MarkVerified resets the failed-attempt counter and stamps last use.
func (s *Store) MarkVerified(ctx context.Context, principalID string, nowUnix int64) error {
	err := s.redis.HSet(ctx, s.key(principalID),
		"failed", "0",
		"last_used", strconv.FormatInt(nowUnix, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// ResetFailed clears the failed-attempt counter without touching last use.
// This is the out-of-band lockout exit.
func (s *Store) ResetFailed(ctx context.Context, principalID string) error {
	if err := s.redis.HSet(ctx, s.key(principalID), "failed", "0").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// ReplaceBackupCodes swaps the entire backup-code hash set.
func (s *Store) ReplaceBackupCodes(ctx context.Context, principalID string, hashes []string) error {
	key := s.codesKey(principalID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(hashes) > 0 {
			members := make([]interface{}, len(hashes))
			for i, h := range hashes {
				members[i] = h
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// ConsumeBackupCode removes one code hash and reports whether it was
// present. Removal and the membership check are one Redis command, so a
// code can never be accepted twice.
func (s *Store) ConsumeBackupCode(ctx context.Context, principalID, hash string) (bool, error) {
	n, err := s.redis.SRem(ctx, s.codesKey(principalID), hash).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n > 0, nil
}

// BackupCodeCount returns how many unused codes remain.
func (s *Store) BackupCodeCount(ctx context.Context, principalID string) (int, error) {
	n, err := s.redis.SCard(ctx, s.codesKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// CountEnabled returns the number of principals with MFA enabled, for the
// adoption-rate aggregate.
func (s *Store) CountEnabled(ctx context.Context) (int, error) {
	n, err := s.redis.SCard(ctx, s.enabledKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// Delete removes a principal's settings and codes entirely. Only used when
// the owning principal is destroyed.
func (s *Store) Delete(ctx context.Context, principalID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(principalID), s.codesKey(principalID))
		pipe.SRem(ctx, s.enabledKey(), principalID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
