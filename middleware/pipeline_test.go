package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	kestrel "github.com/kestrelsec/kestrel"
	"github.com/kestrelsec/kestrel/eventlog"
)

type staticProvider struct {
	principals map[string]kestrel.Principal
}

func (p *staticProvider) GetPrincipalByID(ctx context.Context, id string) (kestrel.Principal, error) {
	principal, ok := p.principals[id]
	if !ok {
		return kestrel.Principal{}, errors.New("no such principal")
	}
	return principal, nil
}

func (p *staticProvider) CountPrincipals(ctx context.Context) (int, error) {
	return len(p.principals), nil
}

func newTestPipeline(t *testing.T) (*kestrel.Engine, *Pipeline) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	cfg := kestrel.DefaultConfig()
	cfg.MFA.MasterKey = bytes.Repeat([]byte{0x24}, 32)
	// Pin the nocturnal window shut so scores do not depend on wall time.
	cfg.Session.NocturnalStartHour = 0
	cfg.Session.NocturnalEndHour = 0
	cfg.Token.PrivateKey = priv
	cfg.Token.PublicKey = pub
	cfg.RateLimit.Budgets["payment"] = kestrel.RouteClassBudget{Limit: 2, Window: time.Minute}

	provider := &staticProvider{principals: map[string]kestrel.Principal{
		"p1": {ID: "p1", Role: kestrel.RoleMember},
		"a1": {ID: "a1", Role: kestrel.RoleAdmin},
	}}

	engine, err := kestrel.NewEngine(cfg, kestrel.Dependencies{
		Redis:      client,
		Principals: provider,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, NewPipeline(engine, zerolog.Nop())
}

func loginAs(t *testing.T, engine *kestrel.Engine, principalID, role string) string {
	t.Helper()
	sess, err := engine.CreateSession(context.Background(), principalID, kestrel.ConnectionInfo{
		IP:        "198.51.100.7",
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	token, err := engine.IssueAccessToken(principalID, sess.SessionID, role)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	return token
}

func doRequest(handler http.Handler, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, body)
	r.RemoteAddr = "198.51.100.7:51234"
	r.Header.Set("User-Agent", "test-agent")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v: %q", err, w.Body.String())
	}
	code, _ := body["error"].(string)
	return code
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestExemptPathBypassesPolicyStages(t *testing.T) {
	_, pipeline := newTestPipeline(t)

	called := false
	handler := pipeline.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := doRequest(handler, http.MethodGet, "/healthz", "", nil)
	if !called || w.Code != http.StatusOK {
		t.Fatalf("exempt path must reach the handler: called=%v code=%d", called, w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("exempt paths keep the hardening headers")
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("exempt paths skip rate limiting")
	}
}

func TestPublicPathAdmittedWithoutToken(t *testing.T) {
	_, pipeline := newTestPipeline(t)
	handler := pipeline.Handler(okHandler())

	w := doRequest(handler, http.MethodGet, "/api/auth/login", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("public path must not demand a token: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("hardening headers must be present on non-exempt responses")
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("rate-limit headers must be present on budgeted routes")
	}
}

func TestMissingAndInvalidToken(t *testing.T) {
	_, pipeline := newTestPipeline(t)
	handler := pipeline.Handler(okHandler())

	w := doRequest(handler, http.MethodGet, "/api/data", "", nil)
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != "unauthorized" {
		t.Fatalf("missing token: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(handler, http.MethodGet, "/api/data", "not-a-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", w.Code)
	}
}

func TestValidTokenReachesHandlerWithContext(t *testing.T) {
	engine, pipeline := newTestPipeline(t)
	token := loginAs(t, engine, "p1", kestrel.RoleMember)

	var got *SecurityContext
	handler := pipeline.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	w := doRequest(handler, http.MethodGet, "/api/data", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admission failed: %d %s", w.Code, w.Body.String())
	}
	if got == nil {
		t.Fatal("handler must receive a SecurityContext")
	}
	if got.PrincipalID != "p1" || got.SessionID == "" || got.Role != kestrel.RoleMember {
		t.Fatalf("context mismatch: %+v", got)
	}
	if got.RiskScore != 0 {
		t.Fatalf("unchanged connection must score 0, got %d", got.RiskScore)
	}
	if w.Header().Get("X-Authenticated") != "true" || w.Header().Get("X-Risk-Score") != "0" {
		t.Fatalf("admitted responses must carry the security summary headers: %v", w.Header())
	}
	if w.Header().Get("X-MFA-Required") != "false" {
		t.Fatalf("member role does not require MFA: %v", w.Header())
	}
}

func TestTokenForMissingSessionIsUnauthorized(t *testing.T) {
	engine, pipeline := newTestPipeline(t)
	handler := pipeline.Handler(okHandler())

	token, err := engine.IssueAccessToken("p1", "AAAAAAAAAAAAAAAAAAAAAAAAAA", kestrel.RoleMember)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	w := doRequest(handler, http.MethodGet, "/api/data", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("a token bound to no session must be rejected: %d %s", w.Code, w.Body.String())
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	engine, pipeline := newTestPipeline(t)
	token := loginAs(t, engine, "p1", kestrel.RoleMember)
	handler := pipeline.Handler(okHandler())

	for i := 0; i < 2; i++ {
		w := doRequest(handler, http.MethodGet, "/api/payment/charge", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d within budget failed: %d %s", i, w.Code, w.Body.String())
		}
	}

	w := doRequest(handler, http.MethodGet, "/api/payment/charge", token, nil)
	if w.Code != http.StatusTooManyRequests || errorCode(t, w) != "rate_limited" {
		t.Fatalf("over-budget request: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("X-RateLimit-Remaining=%q want 0", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestAdminPathRequiresAdminRole(t *testing.T) {
	engine, pipeline := newTestPipeline(t)
	token := loginAs(t, engine, "p1", kestrel.RoleMember)
	handler := pipeline.Handler(okHandler())

	w := doRequest(handler, http.MethodGet, "/api/admin/alerts", token, nil)
	if w.Code != http.StatusForbidden || errorCode(t, w) != "forbidden" {
		t.Fatalf("member on admin path: %d %s", w.Code, w.Body.String())
	}
}

func TestAdminRoleRequiresMFA(t *testing.T) {
	engine, pipeline := newTestPipeline(t)
	token := loginAs(t, engine, "a1", kestrel.RoleAdmin)
	handler := pipeline.Handler(okHandler())

	w := doRequest(handler, http.MethodGet, "/api/data", token, nil)
	if w.Code != http.StatusForbidden || errorCode(t, w) != "mfa_required" {
		t.Fatalf("admin without MFA: %d %s", w.Code, w.Body.String())
	}
}

func TestBodyValidation(t *testing.T) {
	engine, pipeline := newTestPipeline(t)
	token := loginAs(t, engine, "p1", kestrel.RoleMember)

	var seen []byte
	handler := pipeline.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
	}))

	w := doRequest(handler, http.MethodPost, "/api/data", token, strings.NewReader("{not json"))
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_body" {
		t.Fatalf("malformed JSON: %d %s", w.Code, w.Body.String())
	}

	big := `{"blob":"` + strings.Repeat("a", 2<<20) + `"}`
	w = doRequest(handler, http.MethodPost, "/api/data", token, strings.NewReader(big))
	if w.Code != http.StatusRequestEntityTooLarge || errorCode(t, w) != "body_too_large" {
		t.Fatalf("oversized body: %d", w.Code)
	}

	// Control characters are stripped before the handler sees the body.
	w = doRequest(handler, http.MethodPost, "/api/data", token, strings.NewReader("{\"note\":\"a\\u0000b\\u0007c\"}"))
	if w.Code != http.StatusOK {
		t.Fatalf("sanitizable body rejected: %d %s", w.Code, w.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(seen, &payload); err != nil {
		t.Fatalf("handler body is not JSON: %v: %q", err, seen)
	}
	if payload["note"] != "abc" {
		t.Fatalf("control characters must be stripped, got %q", payload["note"])
	}

	// The scrubbed field names land in the audit trail.
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := engine.Events().Query(context.Background(), eventlog.Filter{Type: eventlog.TypeSuspiciousPattern})
		if err != nil {
			t.Fatalf("event query failed: %v", err)
		}
		if len(events) > 0 {
			if events[0].Metadata["reason"] != "body_sanitized" || events[0].Metadata["fields"] != "note" {
				t.Fatalf("sanitation event metadata wrong: %+v", events[0].Metadata)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no sanitation audit event recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouteClassLongestPrefixWins(t *testing.T) {
	_, pipeline := newTestPipeline(t)
	pipeline.config.RouteClasses = map[string]string{
		"/api/":         "generic",
		"/api/payment/": "payment",
		"/api/payments": "payment",
		"/api/pay":      "upload",
	}

	if got := pipeline.routeClass("/api/payment/charge"); got != "payment" {
		t.Fatalf("overlapping prefixes resolved to %q", got)
	}
	if got := pipeline.routeClass("/api/other"); got != "generic" {
		t.Fatalf("plain api path resolved to %q", got)
	}
	if got := pipeline.routeClass("/elsewhere"); got != "generic" {
		t.Fatalf("unmatched path resolved to %q", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	_, pipeline := newTestPipeline(t)
	handler := pipeline.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := doRequest(handler, http.MethodGet, "/api/auth/login", "", nil)
	if w.Code != http.StatusInternalServerError || errorCode(t, w) != "internal_error" {
		t.Fatalf("panic must turn into a 500: %d %s", w.Code, w.Body.String())
	}
}
