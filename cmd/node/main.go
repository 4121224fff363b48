package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Shortgap/internal/adapters/http"
	"github.com/dkeye/Shortgap/internal/adapters/rtc"
	uisignal "github.com/dkeye/Shortgap/internal/adapters/signal"
	"github.com/dkeye/Shortgap/internal/adapters/tcp"
	"github.com/dkeye/Shortgap/internal/adapters/ws"
	"github.com/dkeye/Shortgap/internal/app/orch"
	"github.com/dkeye/Shortgap/internal/config"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("node failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	kind, err := cfg.TransportKind()
	if err != nil {
		return err
	}
	identity := core.NewIdentity(domain.NewMemberID())

	// Links outlive ctx so LeaveParty can still say goodbye on shutdown.
	life, stop := context.WithCancel(context.Background())
	defer stop()

	tcpT := tcp.New(life, identity)
	tcpAddr, err := tcpT.Listen(cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	go func() {
		if err := tcpT.Serve(life); err != nil {
			log.Error().Err(err).Msg("tcp serve")
		}
	}()
	wsT := ws.New(life, identity, cfg.ReadLimit)
	rtcT := rtc.New(life, identity, rtc.Options{ICEServers: cfg.STUNServers, IncludeLoopback: cfg.IncludeLoopback})

	_, tcpPort, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return err
	}
	addresses := map[domain.TransportKind][]string{
		domain.TransportTCP:       {net.JoinHostPort(cfg.AdvertiseHost, tcpPort)},
		domain.TransportWebSocket: {fmt.Sprintf("ws://%s%s", net.JoinHostPort(cfg.AdvertiseHost, fmt.Sprint(cfg.Port)), ws.SessionPath)},
	}

	o, err := orch.New(life, orch.Config{
		Identity:       identity,
		Transports:     []core.Transport{tcpT, wsT, rtcT},
		Addresses:      addresses,
		Transport:      kind,
		Cadence:        cfg.PingCadence,
		ProbeTimeout:   cfg.ProbeTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Staleness:      cfg.Staleness,
		EvictAfter:     cfg.EvictAfter,
		StaleRounds:    cfg.StaleRounds,
		Heartbeat:      cfg.HeartbeatInterval,
		DedupWindow:    cfg.DedupWindow,
	})
	if err != nil {
		return err
	}

	limiter := uisignal.NewRateLimiter(nil, cfg.RateLimit, cfg.RateInterval)
	r := router.SetupRouter(ctx, cfg, o, wsT, limiter)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	go func() {
		log.Info().Str("addr", addr).Str("member", string(identity.Self())).Msg("Shortgap node started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	if cfg.DisplayName != "" {
		party, err := o.JoinParty(ctx, cfg.DisplayName, cfg.Bootstrap)
		if err != nil {
			log.Error().Err(err).Strs("bootstrap", cfg.Bootstrap).Msg("auto join failed")
		} else {
			log.Info().Str("party", string(party.ID)).Int("members", len(party.Members)).Msg("joined at startup")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := o.Close(shutdownCtx); err != nil && !errors.Is(err, domain.ErrNotInParty) {
		log.Error().Err(err).Msg("leave on shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := tcpT.Shutdown(); err != nil {
		log.Error().Err(err).Msg("tcp shutdown")
	}
	stop()
	log.Info().Msg("Node exited gracefully")
	return nil
}
