package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	kestrel "github.com/kestrelsec/kestrel"
)

// Runner drives the periodic work: the expired-session sweep and the
// alert-threshold check. Each tick takes a short Redis lock first, so a
// fleet of instances does each round once.
type Runner struct {
	engine  *kestrel.Engine
	monitor *Monitor
	redis   redis.UniversalClient
	logger  zerolog.Logger

	sweepEvery time.Duration
	checkEvery time.Duration
	lockTTL    time.Duration
	lockPrefix string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner creates a Runner. Intervals and lock TTL come from the engine's
// monitor configuration.
func NewRunner(engine *kestrel.Engine, mon *Monitor, client redis.UniversalClient, logger zerolog.Logger) *Runner {
	cfg := engine.Config()
	return &Runner{
		engine:     engine,
		monitor:    mon,
		redis:      client,
		logger:     logger.With().Str("component", "runner").Logger(),
		sweepEvery: cfg.Session.SweepInterval,
		checkEvery: cfg.Monitor.CheckInterval,
		lockTTL:    cfg.Monitor.LockTTL,
		lockPrefix: cfg.Session.RedisPrefix + ":lock:",
		stop:       make(chan struct{}),
	}
}

// Start launches the timers. Call [Runner.Stop] to shut them down.
func (r *Runner) Start() {
	r.wg.Add(2)
	go r.loop("sweep", r.sweepEvery, func(ctx context.Context) error {
		n, err := r.engine.CleanupExpiredSessions(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			r.logger.Info().Int("removed", n).Msg("expired sessions swept")
		}
		return nil
	})
	go r.loop("alerts", r.checkEvery, func(ctx context.Context) error {
		_, err := r.monitor.CheckAlertThresholds(ctx)
		return err
	})
}

// Stop halts the timers and waits for in-flight rounds to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Runner) loop(name string, interval time.Duration, fn func(context.Context) error) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.runLocked(name, fn)
		}
	}
}

// runLocked takes the named lock with SET NX PX and skips the round if
// another instance holds it. The lock expires on its own; rounds are
// idempotent, so a crashed holder costs at most one duplicate round later.
func (r *Runner) runLocked(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTTL)
	defer cancel()

	ok, err := r.redis.SetNX(ctx, r.lockPrefix+name, "1", r.lockTTL).Result()
	if err != nil {
		r.logger.Error().Err(err).Str("task", name).Msg("lock acquisition failed")
		return
	}
	if !ok {
		return
	}

	if err := fn(ctx); err != nil {
		r.logger.Error().Err(err).Str("task", name).Msg("periodic task failed")
	}
}
