package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/callpeer/internal/adapters/http"
	"github.com/dkeye/callpeer/internal/adapters/rtc"
	sigws "github.com/dkeye/callpeer/internal/adapters/signal"
	"github.com/dkeye/callpeer/internal/app/orch"
	"github.com/dkeye/callpeer/internal/app/sink"
	"github.com/dkeye/callpeer/internal/config"
	"github.com/dkeye/callpeer/internal/monitor"
	"github.com/dkeye/callpeer/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("call ended with error")
		os.Exit(1)
	}
	log.Info().Msg("exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	pionLevel, err := zerolog.ParseLevel(cfg.Peer.PionLogLevel)
	if err != nil {
		pionLevel = zerolog.WarnLevel
	}
	engine, err := rtc.NewEngine(rtc.EngineConfig{EnableAV1: cfg.Peer.EnableAV1, LogLevel: pionLevel})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	sess, err := session.New(sessionConfig(cfg), engine.NewPeerConnection)
	if err != nil {
		return err
	}

	sig, err := sigws.Dial(ctx, sigws.Config{
		URL:          cfg.Signal.URL,
		PingPeriod:   cfg.Signal.PingPeriod,
		ReadLimit:    cfg.Signal.ReadLimit,
		RateLimit:    cfg.Signal.RateLimit,
		RateInterval: cfg.Signal.RateInterval,
	}, sess.ID())
	if err != nil {
		_ = sess.Destroy()
		return err
	}

	mon := monitor.New(monitor.Config{Interval: cfg.Monitor.Interval}, sess)
	o := orch.New(sess, mon, sig, sink.NewManager(), cfg.Media.Loopback)

	r := router.SetupRouter(cfg, o, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	log.Info().Str("sid", string(sess.ID())).Str("signal", cfg.Signal.URL).Msg("call starting")
	runErr := o.Run(ctx)

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	return runErr
}

func sessionConfig(cfg *config.Config) session.Config {
	ice := rtc.DefaultWebRTCConfig().ICEServers
	if len(cfg.Peer.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.Peer.ICEServers}}
	}
	return session.Config{
		ICEServers:        ice,
		ConnTimeout:       cfg.Peer.ConnTimeout,
		PingInterval:      cfg.Peer.PingInterval,
		LockTimeout:       cfg.Peer.LockTimeout,
		LockCheckInterval: cfg.Peer.LockCheckInterval,
		Simulcast:         cfg.Peer.Simulcast,
		EnableAV1:         cfg.Peer.EnableAV1,
		DCSignaling:       cfg.Peer.DCSignaling,
	}
}
