package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/racesync/racesync/internal/config"
	"github.com/racesync/racesync/internal/metrics"
	"github.com/racesync/racesync/internal/race"
	"github.com/racesync/racesync/internal/race/engine"
	"github.com/racesync/racesync/internal/race/stream"
	"github.com/racesync/racesync/internal/raceapi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("api_base_url", cfg.APIBaseURL).
		Str("transport", cfg.StreamTransport).
		Str("stream_url", cfg.StreamURL).
		Msg("starting racewatch")

	api := raceapi.NewClient(cfg.APIBaseURL)
	api.SetTimeout(cfg.APITimeout())

	clock := clockwork.NewRealClock()
	source, err := buildSource(cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create push source")
	}
	defer source.Shutdown()

	engineCfg := engine.Config{
		DebounceQuiet:        cfg.DebounceQuiet(),
		DebounceMaxWait:      cfg.DebounceMaxWait(),
		Winner:               cfg.WinnerConfig(),
		SnapshotMaxAttempts:  cfg.SnapshotMaxAttempts,
		SnapshotRetryBackoff: cfg.SnapshotRetryBackoff(),
	}
	svc := engine.NewService(api, source, clock, engineCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	views, err := svc.Races(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list races")
	}
	log.Info().Int("count", len(views)).Msg("watching races")

	var wg sync.WaitGroup
	for _, v := range views {
		wg.Add(1)
		go func(raceID string) {
			defer wg.Done()
			watchRace(ctx, svc, raceID)
		}(v.RaceID)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	svc.Stop()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}

	wg.Wait()
	log.Info().Msg("racewatch shutdown complete")
}

func buildSource(cfg *config.Config, clock clockwork.Clock) (stream.Source, error) {
	if cfg.StreamTransport == config.TransportNATS {
		return stream.NewJetStreamSource(cfg.JetStreamConfig())
	}
	return stream.NewListener(cfg.ListenerConfig(), clock), nil
}

// watchRace logs every reconciled state transition of one race until its
// stream ends.
func watchRace(ctx context.Context, svc *engine.Service, raceID string) {
	ch, cancel := svc.Subscribe(raceID)
	defer cancel()

	var lastRound int
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			logView(v, lastRound)
			lastRound = v.CurrentRound
		}
	}
}

func logView(v race.View, lastRound int) {
	ev := log.Info().
		Str("race_id", v.RaceID).
		Str("status", string(v.Status)).
		Int("round", v.CurrentRound).
		Int("candidates", len(v.Candidates)).
		Bool("stale", v.Stale)

	if v.CurrentRound != lastRound {
		ev = ev.Bool("round_changed", true)
	}
	switch {
	case v.Winner != nil:
		ev.Str("winner", v.Winner.CandidateID).Msg("race settled")
	case v.WinnerUnresolved:
		ev.Msg("race closed, winner unresolved")
	default:
		ev.Msg("race updated")
	}
}
