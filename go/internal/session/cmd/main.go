package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	api "github.com/mcdev12/liveexam/go/clients/assessment_api_client"
	"github.com/mcdev12/liveexam/go/internal/auth"
	"github.com/mcdev12/liveexam/go/internal/config"
	"github.com/mcdev12/liveexam/go/internal/network"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
	"github.com/mcdev12/liveexam/go/internal/session/orchestrator"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
	"github.com/mcdev12/liveexam/go/internal/session/view"
)

func main() {
	configPath := flag.String("config", os.Getenv("SESSION_CONFIG"), "path to the YAML config file")
	testID := flag.String("test", "", "test to start a session for")
	sessionID := flag.String("session", "", "in-progress session to rejoin")
	forceNew := flag.Bool("force-new", false, "abandon any in-progress session when starting")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *testID == "" && *sessionID == "" {
		log.Fatal().Msg("one of -test or -session is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.API.Token != "" {
		claims, err := auth.ParseUnverified(cfg.API.Token)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid API token")
		}
		if cfg.API.UserID == "" {
			cfg.API.UserID = claims.User()
		}
		if claims.Expired(time.Now()) {
			log.Warn().Time("expires_at", claims.ExpiresAt.Time).Msg("API token has expired")
		}
	}

	log.Info().
		Str("user_id", cfg.API.UserID).
		Str("api_url", cfg.API.BaseURL).
		Str("socket_url", cfg.Socket.URL).
		Str("nats_url", cfg.Telemetry.NATSURL).
		Dur("grace_period", cfg.Network.GracePeriod).
		Msg("starting exam session client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	monitor := network.NewMonitor(cfg.NetworkConfig(), clock)
	registry := gateway.NewRegistry(cfg.ConnectionConfig(), clock, monitor)
	engine := timer.NewEngine(cfg.TimerConfig(), clock, registry)
	client := api.NewAssessmentApiClient(cfg.API.BaseURL, cfg.API.Token)

	// Telemetry goes to JetStream when NATS is configured, otherwise to the log
	var sink telemetry.Publisher = telemetry.NewLogPublisher()
	var jsPublisher *telemetry.JetStreamPublisher
	if cfg.Telemetry.NATSURL != "" {
		jsPublisher, err = telemetry.NewJetStreamPublisher(ctx, cfg.JetStreamConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream publisher")
		}
		sink = jsPublisher
	}
	worker := telemetry.NewWorker(sink, cfg.WorkerConfig(), clock)
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start telemetry worker")
	}

	orch := orchestrator.New(cfg.OrchestratorConfig(), orchestrator.Deps{
		API:       client,
		Conn:      registry,
		Engine:    engine,
		Monitor:   monitor,
		Publisher: worker,
		Clock:     clock,
	})

	creds := gateway.Credentials{Token: cfg.API.Token, UserID: cfg.API.UserID}
	if err := registry.Connect(ctx, creds); err != nil {
		// The liveness loop keeps retrying; the session still starts over REST
		log.Error().Err(err).Msg("initial socket connection failed")
	}
	orch.Attach(ctx)
	defer orch.Detach()

	go registry.Run(ctx)
	go monitor.Run(ctx, network.NewHTTPProber(cfg.API.BaseURL, cfg.Network.ProbeEndpoint))

	if err := openSession(ctx, orch, *testID, *sessionID, *forceNew); err != nil {
		log.Fatal().Err(err).Msg("failed to open session")
	}

	server := view.NewServer(cfg.View.Port, view.New(engine, orch))
	go func() {
		log.Info().Str("addr", server.Addr).Msg("view server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("view server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	orch.LeaveSession(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("view server shutdown failed")
	}

	cancel()
	registry.Disconnect()
	engine.Stop()

	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("telemetry worker shutdown failed")
	}
	if jsPublisher != nil {
		if err := jsPublisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close JetStream publisher")
		}
	}

	stats := worker.Stats()
	log.Info().
		Uint64("events_published", stats.Published).
		Uint64("events_failed", stats.Failed).
		Uint64("events_dropped", stats.Dropped).
		Msg("exam session client shutdown complete")
}

// openSession rejoins sessionID when given, otherwise starts testID. A conflicting
// in-progress session is rejoined rather than replaced unless forceNew is set.
func openSession(ctx context.Context, orch *orchestrator.Orchestrator, testID, sessionID string, forceNew bool) error {
	if sessionID != "" {
		return orch.RejoinSession(ctx, sessionID)
	}

	res, err := orch.StartSession(ctx, testID, forceNew)
	if err != nil {
		return err
	}
	if res.Conflict == nil {
		log.Info().Str("session_id", res.SessionID).Str("test_id", testID).Msg("session started")
		return nil
	}

	log.Warn().
		Str("session_id", res.Conflict.SessionID).
		Str("test_id", res.Conflict.TestID).
		Int("time_remaining", res.Conflict.TimeRemaining).
		Msg("resuming in-progress session")
	return orch.RejoinSession(ctx, res.Conflict.SessionID)
}
