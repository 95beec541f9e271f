package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, budgets map[string]Budget) (*miniredis.Miniredis, *Limiter) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	return mr, New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "rl", budgets)
}

func TestCheckExhaustsBudget(t *testing.T) {
	_, limiter := newTestLimiter(t, map[string]Budget{
		"auth": {Limit: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(ctx, "auth", "1.2.3.4")
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
		if res.Remaining != 2-i {
			t.Fatalf("request %d: remaining=%d want %d", i, res.Remaining, 2-i)
		}
	}

	res, err := limiter.Check(ctx, "auth", "1.2.3.4")
	if err != nil {
		t.Fatalf("Check over budget failed: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("fourth request must be denied: %+v", res)
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("denied result must carry a retry hint: %+v", res)
	}
}

func TestWindowResets(t *testing.T) {
	mr, limiter := newTestLimiter(t, map[string]Budget{
		"auth": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if res, _ := limiter.Check(ctx, "auth", "k"); !res.Allowed {
		t.Fatal("first request must pass")
	}
	if res, _ := limiter.Check(ctx, "auth", "k"); res.Allowed {
		t.Fatal("second request must be denied")
	}

	mr.FastForward(61 * time.Second)

	res, err := limiter.Check(ctx, "auth", "k")
	if err != nil {
		t.Fatalf("Check after window failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("budget must reset after the window")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	_, limiter := newTestLimiter(t, map[string]Budget{
		"auth": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if res, _ := limiter.Check(ctx, "auth", "a"); !res.Allowed {
		t.Fatal("client a must pass")
	}
	if res, _ := limiter.Check(ctx, "auth", "b"); !res.Allowed {
		t.Fatal("client b has its own budget")
	}
}

func TestClassesAreIndependent(t *testing.T) {
	_, limiter := newTestLimiter(t, map[string]Budget{
		"auth":   {Limit: 1, Window: time.Minute},
		"search": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if res, _ := limiter.Check(ctx, "auth", "k"); !res.Allowed {
		t.Fatal("auth must pass")
	}
	if res, _ := limiter.Check(ctx, "search", "k"); !res.Allowed {
		t.Fatal("search carries an independent budget")
	}
}

func TestUnknownClassFallsBackToGeneric(t *testing.T) {
	_, limiter := newTestLimiter(t, map[string]Budget{
		"generic": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if res, _ := limiter.Check(ctx, "mystery", "k"); !res.Allowed {
		t.Fatal("first generic-fallback request must pass")
	}
	if res, _ := limiter.Check(ctx, "mystery", "k"); res.Allowed {
		t.Fatal("generic budget must apply to unknown classes")
	}
}

func TestNoBudgetMeansUnlimited(t *testing.T) {
	_, limiter := newTestLimiter(t, map[string]Budget{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := limiter.Check(ctx, "anything", "k")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !res.Allowed {
			t.Fatal("classes with no budget anywhere are unlimited")
		}
	}
}

func TestReset(t *testing.T) {
	_, limiter := newTestLimiter(t, map[string]Budget{
		"auth": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	limiter.Check(ctx, "auth", "k")
	if res, _ := limiter.Check(ctx, "auth", "k"); res.Allowed {
		t.Fatal("budget should be spent")
	}
	if err := limiter.Reset(ctx, "auth", "k"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if res, _ := limiter.Check(ctx, "auth", "k"); !res.Allowed {
		t.Fatal("reset must reopen the budget")
	}
}
