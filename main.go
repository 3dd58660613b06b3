package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paddlearena/gamecore/internal/auth"
	"paddlearena/gamecore/internal/config"
	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/logging"
	"paddlearena/gamecore/internal/match"
	"paddlearena/gamecore/internal/platform"
	"paddlearena/gamecore/internal/protocol"
	"paddlearena/gamecore/internal/registry"
	"paddlearena/gamecore/internal/results"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	verifier, err := auth.NewHMACTokenVerifier(cfg.AuthSecret, cfg.AuthLeeway)
	if err != nil {
		logger.Fatal("auth verifier setup failed", logging.Error(err))
	}

	journal, err := results.OpenJournal(cfg.ResultJournalPath, results.WithLogger(logger))
	if err != nil {
		logger.Fatal("result journal setup failed", logging.Error(err))
	}
	defer journal.Close()

	platformClient := platform.NewClient(cfg.PlatformBaseURL,
		platform.WithLogger(logger),
		platform.WithTimeout(cfg.PlatformTimeout))

	conns := registry.NewRegistry()

	//1.- The factory closes over the platform client so every engine reports
	// tournament outcomes without knowing who consumes them.
	factory := func(sessionID string) *engine.Engine {
		return engine.NewEngine(sessionID, engine.Config{
			TickRate: cfg.TickRate,
			Logger:   logger,
			Sink:     journal,
			OnTerminal: func(id string, result *engine.Result) {
				reportTournamentResult(platformClient, logger, id, result)
			},
		})
	}
	matches := match.NewRegistry(factory, match.WithLogger(logger))

	handler := protocol.NewHandler(protocol.Config{
		Connections:  conns,
		Matches:      matches,
		Verifier:     verifier,
		Profiles:     platformClient,
		Participants: platformClient,
		Logger:       logger,
	})

	server := NewServer(cfg, logger, handler, conns, matches)
	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: server.Routes(),
	}

	stopSweeper := startIdleSweeper(matches, cfg.IdleSessionTTL, logger)
	defer stopSweeper()

	go func() {
		logger.Info("game core listening", logging.String("addr", cfg.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", logging.Error(err))
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	logger.Info("shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
}

// reportTournamentResult forwards a terminal score to the tournament service
// when the session id names a bracket match. Fire-and-forget.
func reportTournamentResult(client *platform.Client, logger *logging.Logger, sessionID string, result *engine.Result) {
	if result == nil {
		return
	}
	matchID, ok := match.TournamentMatchID(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	winnerID := result.PlayerIDs[result.Winner]
	if err := client.ReportResult(ctx, matchID, winnerID, result.Score.P1, result.Score.P2); err != nil {
		logger.Warn("tournament result report failed",
			logging.String("match_id", matchID), logging.Error(err))
	}
}

// startIdleSweeper expires sessions abandoned past the TTL. Sessions are
// otherwise torn down when their last connection closes; the sweeper catches
// ones that never bound a connection at all.
func startIdleSweeper(matches *match.Registry, ttl time.Duration, logger *logging.Logger) func() {
	if ttl <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(ttl / 2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if swept := matches.SweepIdle(ttl); swept > 0 {
					logger.Info("idle sessions expired", logging.Int("count", swept))
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
