package kestrel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type mockProvider struct {
	principals map[string]Principal
}

func (m *mockProvider) GetPrincipalByID(_ context.Context, id string) (Principal, error) {
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

func (m *mockProvider) CountPrincipals(_ context.Context) (int, error) {
	return len(m.principals), nil
}

func newMockProvider() *mockProvider {
	return &mockProvider{principals: map[string]Principal{
		"p1":      {ID: "p1", Role: RoleMember, CreatedAt: time.Now()},
		"p2":      {ID: "p2", Role: RoleMember, CreatedAt: time.Now()},
		"admin1":  {ID: "admin1", Role: RoleAdmin, CreatedAt: time.Now()},
		"deleted": {ID: "deleted", Role: RoleMember, Deleted: true, CreatedAt: time.Now()},
	}}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MFA.MasterKey = bytes.Repeat([]byte{0x5a}, 32)
	// Pin the nocturnal window shut so wall-clock time cannot flip the
	// unusual-hours flag under the tests.
	cfg.Session.NocturnalStartHour = 0
	cfg.Session.NocturnalEndHour = 0

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey failed: %v", err)
	}
	cfg.Token.PrivateKey = priv
	cfg.Token.PublicKey = pub
	return cfg
}

func newTestEngine(t *testing.T, rdb *redis.Client, cfg Config) *Engine {
	t.Helper()

	engine, err := NewEngine(cfg, Dependencies{
		Redis:      rdb,
		Principals: newMockProvider(),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func testConn(ip, userAgent string) ConnectionInfo {
	h := http.Header{}
	h.Set("Accept-Language", "en-US")
	h.Set("Accept-Encoding", "gzip")
	return ConnectionInfo{IP: ip, UserAgent: userAgent, Headers: h}
}

// totpFor computes the current code for a base32 secret the way an
// authenticator app would.
func totpFor(t *testing.T, secretBase32 string, now time.Time) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	code, err := hotpCode(secret, now.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

// wrongCodeFor derives a numeric code guaranteed not to match the current
// window, by shifting every digit of the valid one.
func wrongCodeFor(t *testing.T, secretBase32 string, now time.Time) string {
	t.Helper()

	valid := totpFor(t, secretBase32, now)
	out := []byte(valid)
	for i := range out {
		out[i] = '0' + (out[i]-'0'+5)%10
	}
	return string(out)
}
