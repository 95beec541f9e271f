// Command kestreld runs the control plane as a standalone HTTP daemon: the
// security pipeline in front of a small API surface, the threat-monitor
// runner, and a Prometheus scrape endpoint.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	kestrel "github.com/kestrelsec/kestrel"
	"github.com/kestrelsec/kestrel/internal/geo"
	promexport "github.com/kestrelsec/kestrel/metrics/export/prometheus"
	"github.com/kestrelsec/kestrel/middleware"
	"github.com/kestrelsec/kestrel/monitor"
)

func main() {
	configPath := flag.String("config", "kestreld.yaml", "path to the configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(level)
	}

	engineCfg, err := cfg.engineConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Ephemeral signing keys let the daemon start without provisioning;
	// tokens won't survive a restart.
	if len(engineCfg.Token.PrivateKey) == 0 && engineCfg.Token.SigningMethod == "ed25519" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			logger.Fatal().Err(err).Msg("generate signing key")
		}
		engineCfg.Token.PrivateKey = priv
		engineCfg.Token.PublicKey = pub
		logger.Warn().
			Str("public_key", base64.StdEncoding.EncodeToString(pub)).
			Msg("no token key configured, using an ephemeral one")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	var geoProvider geo.Provider
	if engineCfg.Geo.Endpoint != "" {
		geoProvider = geo.NewHTTPProvider(engineCfg.Geo.Endpoint, engineCfg.Geo.Timeout)
	}

	engine, err := kestrel.NewEngine(engineCfg, kestrel.Dependencies{
		Redis:      rdb,
		Principals: newStaticProvider(cfg.Principals),
		Geo:        geoProvider,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("engine construction failed")
	}
	defer engine.Close()

	mon := monitor.New(engine, rdb, logger)
	runner := monitor.NewRunner(engine, mon, rdb, logger)
	runner.Start()
	defer runner.Stop()

	api := &apiServer{engine: engine, monitor: mon}
	mux := http.NewServeMux()
	api.routes(mux)

	pipeline := middleware.NewPipeline(engine, logger)

	root := http.NewServeMux()
	root.Handle("/metrics", promexport.Handler(engine))
	root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		latency, err := engine.Ping(r.Context())
		if err != nil {
			logger.Warn().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("store unavailable"))
			return
		}
		w.Header().Set("X-Store-Latency", latency.String())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	root.Handle("/", pipeline.Handler(mux))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}
