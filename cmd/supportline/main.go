package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/supportline/supportline/internal/api"
	"github.com/supportline/supportline/internal/config"
	"github.com/supportline/supportline/internal/database"
	"github.com/supportline/supportline/internal/discord"
	"github.com/supportline/supportline/internal/events"
	"github.com/supportline/supportline/internal/history"
	"github.com/supportline/supportline/internal/media"
	"github.com/supportline/supportline/internal/metrics"
	"github.com/supportline/supportline/internal/routing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("supportline exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("supportline stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startedAt := time.Now()
	logger.Info("starting supportline",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"postgres", cfg.DatabaseURL != "",
		"waiting_channel", cfg.WaitingChannelID,
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if secret == nil && cfg.HTTPPort != 0 {
		logger.Warn("no jwt secret configured, operator api call endpoints are unauthenticated")
	}

	// Open database and run migrations.
	db, err := database.OpenURL(cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	records := database.NewCallRecordRepository(db)
	clk := clockwork.NewRealClock()

	// Hold clips are optional; a missing clip only disables its playback.
	library := media.NewLibrary(cfg.AudioDir, logger)
	if err := library.Validate(cfg.WaitingClip, cfg.LoopClip); err != nil {
		logger.Warn("hold audio incomplete, continuing without it", "error", err)
	}

	session, err := discord.NewSession(cfg.Token, logger.With("subsystem", "gateway"))
	if err != nil {
		return err
	}

	directory := discord.NewDirectory(session, session.State, cfg.AdminRoleID, logger)
	voice := discord.NewVoice(session, library, media.NewPlayer(logger), logger)
	notifier := discord.NewNotifier(session, discord.NotifierConfig{
		ChannelID:        cfg.NotifyChannelID,
		WaitingChannelID: cfg.WaitingChannelID,
		AdminRoleID:      cfg.AdminRoleID,
		Rate:             rate.Limit(cfg.NotifyRate),
		Burst:            cfg.NotifyBurst,
	}, logger)

	router := routing.NewRouter(routing.Config{
		WaitingChannelID:  cfg.WaitingChannelID,
		CategoryID:        cfg.CategoryID,
		AdminRoleID:       cfg.AdminRoleID,
		WaitingClip:       cfg.WaitingClip,
		LoopClip:          cfg.LoopClip,
		HoldDelay:         cfg.HoldDelay,
		ClaimReleaseDelay: cfg.ClaimReleaseDelay,
		RoomDeleteDelay:   cfg.RoomDeleteDelay,
		EmptyReleaseDelay: cfg.EmptyReleaseDelay,
	}, routing.Deps{
		Directory: directory,
		Voice:     voice,
		Notifier:  notifier,
		Clock:     clk,
		Logger:    logger,
	})

	recorder := history.NewRecorder(records, clk, 0, logger)
	router.AddObserver(recorder)

	var publisher *events.Publisher
	if cfg.RedisAddr != "" {
		rdb := events.NewClient(cfg.RedisAddr)
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not reachable, events will be retried per publish", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		publisher = events.NewPublisher(rdb, cfg.RedisChannel, clk, logger)
		router.AddObserver(publisher)
	}

	discord.NewIntake(router, directory, cfg.Status, logger).Register(session)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}

	if cfg.HTTPPort != 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewCollector(router, records, startedAt),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv := api.NewServer(api.Deps{
			Router:    router,
			History:   records,
			Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			JWTSecret: secret,
			StartedAt: startedAt,
			Logger:    logger,
		})
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPPort) })
	}

	if err := session.Open(); err != nil {
		stop()
		g.Wait() //nolint:errcheck
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	logger.Info("discord gateway connected")

	<-gctx.Done()
	logger.Info("shutting down")

	// The router releases voice sessions on the way out, so the gateway
	// stays open until every worker has returned.
	err = g.Wait()
	if cerr := session.Close(); cerr != nil {
		logger.Warn("closing discord gateway", "error", cerr)
	}
	return err
}
