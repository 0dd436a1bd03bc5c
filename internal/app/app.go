package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/daily-quiz/internal/auth/jwt"
	"github.com/gokatarajesh/daily-quiz/internal/broadcast"
	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/config"
	"github.com/gokatarajesh/daily-quiz/internal/db/memory"
	"github.com/gokatarajesh/daily-quiz/internal/db/repository"
	"github.com/gokatarajesh/daily-quiz/internal/eligibility"
	"github.com/gokatarajesh/daily-quiz/internal/events"
	"github.com/gokatarajesh/daily-quiz/internal/intake"
	"github.com/gokatarajesh/daily-quiz/internal/leaderboard"
	"github.com/gokatarajesh/daily-quiz/internal/live"
	"github.com/gokatarajesh/daily-quiz/internal/logging"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	"github.com/gokatarajesh/daily-quiz/internal/scheduler"
	"github.com/gokatarajesh/daily-quiz/internal/server"
	"github.com/gokatarajesh/daily-quiz/internal/session"
	ws "github.com/gokatarajesh/daily-quiz/pkg/http/ws"
)

// Application aggregates shared infrastructure and the quiz runtime.
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	http      *http.Server
	publisher events.EventPublisher

	backbone *broadcast.Backbone
	strategy scheduler.Strategy
	planner  *scheduler.Planner
	driver   *scheduler.Driver
}

// New bootstraps logger, stores, Redis and every quiz component.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env, cfg.LogLevel)
	logger.Info().Str("storage", cfg.StorageBackend).Str("scheduler", cfg.Scheduler.Mode).Msg("starting application bootstrap")

	a := &Application{cfg: cfg, logger: logger}

	var repo quiz.Repository
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn().Msg("in-memory storage: state is lost on restart")
		repo = memory.NewStore()
	default:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		repo = repository.NewQuizRepository(pool)
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	gate, err := newGate(cfg.Eligibility, a.redis, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := events.NewPublisher(events.PublisherConfig{
		Kind:         cfg.Events.Kind,
		KafkaBrokers: cfg.Events.KafkaBrokers,
		TopicName:    cfg.Events.Topic,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("events publisher: %w", err)
	}
	a.publisher = publisher

	policy, err := leaderboard.ParsePolicy(cfg.Quiz.RankPolicy)
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	hub := ws.NewHub(logger.With().Str("component", "ws_hub").Logger())
	a.backbone = broadcast.NewBackbone(a.redis, hub, cfg.Redis.EventsChannel, logger)
	fanout := broadcast.NewFanout(a.backbone, a.redis, logger)

	machine := session.NewMachine(repo, gate, fanout, clk, session.Options{
		MaxParticipants: cfg.Quiz.MaxParticipants,
	}, logger)
	answers := intake.NewService(repo, machine, fanout, clk, intake.Options{
		Grace:          cfg.Quiz.Grace,
		MinElapsed:     cfg.Quiz.MinElapsed,
		PersistRetries: cfg.Quiz.PersistRetries,
	}, logger)

	windows := leaderboard.NewService(a.redis, clk, logger, leaderboard.ServiceOptions{TopN: cfg.Quiz.TopN})
	finalizer := leaderboard.NewFinalizer(repo, machine, fanout, publisher, windows, clk, leaderboard.FinalizerOptions{
		Policy: policy,
		TopN:   cfg.Quiz.TopN,
	}, logger)

	a.strategy, err = scheduler.NewStrategy(cfg.Scheduler.Mode, a.redis, clk, scheduler.StrategyOptions{
		PollInterval: cfg.Scheduler.PollInterval,
		JobLease:     cfg.Scheduler.JobLease,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBackoff: cfg.Scheduler.RetryBackoff,
	}, logger)
	if err != nil {
		return nil, err
	}

	var lease scheduler.Lease = scheduler.LocalLease{}
	if a.strategy.Name() == scheduler.ModeQueue {
		lease = scheduler.NewRedisLease(a.redis, cfg.Scheduler.DriverLease)
	}

	a.driver = scheduler.NewDriver(repo, machine, finalizer, fanout, a.backbone, lease, clk, scheduler.DriverOptions{
		TickInterval:   cfg.Quiz.TickInterval,
		AdvanceRetries: cfg.Scheduler.AdvanceRetries,
		Grace:          answers.Grace(),
		EndPadding:     cfg.Scheduler.EndPadding,
	}, logger)
	a.backbone.OnControl(a.driver.HandleControl)

	a.planner = scheduler.NewPlanner(repo, a.strategy, a.driver, clk, scheduler.PlannerOptions{
		Interval: cfg.Scheduler.PlanInterval,
		Horizon:  cfg.Scheduler.PlanHorizon,
		Offsets: scheduler.Offsets{
			Alert:        cfg.Scheduler.AlertOffset,
			Ready:        cfg.Scheduler.ReadyOffset,
			EndPadding:   cfg.Scheduler.EndPadding,
			Grace:        answers.Grace(),
			ResultsDelay: cfg.Scheduler.ResultsDelay,
		},
	}, logger)

	tokens := jwt.NewManager(jwt.TokenConfig{
		Secret: []byte(cfg.Security.JWTSecret),
		Issuer: cfg.Security.JWTIssuer,
	})
	if cfg.Security.AdminKeyHash == "" {
		logger.Warn().Msg("ADMIN_KEY_HASH not configured; admin endpoints disabled")
	}

	pingers := []server.Pinger{func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }}
	if a.pool != nil {
		pingers = append(pingers, a.pool.Ping)
	}

	a.http = server.NewHTTPServer(cfg, logger, server.Routes{
		Tokens:      tokens,
		AdminKey:    cfg.Security.AdminKeyHash,
		Live:        live.NewHTTPHandlers(machine, repo, a.driver, logger),
		WebSocket:   live.NewHandler(machine, repo, answers, hub, a.backbone, tokens, server.NewUpgrader(cfg.Security.AllowOrigins), logger),
		Leaderboard: leaderboard.NewHTTPHandler(windows, finalizer, logger),
		Ping:        pingers,
	})

	return a, nil
}

func newGate(cfg config.Eligibility, rdb *redis.Client, logger zerolog.Logger) (session.EligibilityChecker, error) {
	if cfg.Mode != "http" {
		logger.Warn().Str("mode", cfg.Mode).Msg("eligibility gate admits everyone")
		return eligibility.AllowAll{}, nil
	}
	gate, err := eligibility.NewHTTPGate(eligibility.HTTPConfig{
		BaseURL:      cfg.BaseURL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Timeout:      cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("eligibility gate: %w", err)
	}
	return eligibility.NewCachedGate(gate, rdb, cfg.CacheTTL, logger), nil
}

// Run starts the HTTP server and background workers and blocks until a termination signal,
// a worker failure or ctx cancellation.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(a.backbone.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.strategy.Run(gctx, a.driver.Handle)) })
	g.Go(func() error { return ignoreCanceled(a.planner.Run(gctx)) })

	if err := a.driver.Recover(gctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial recovery failed; planner will retry")
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("http shutdown error")
		}
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *Application) close() {
	a.driver.Stop()
	if err := a.publisher.Close(); err != nil {
		a.logger.Error().Err(err).Msg("events publisher shutdown error")
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Error().Err(err).Msg("redis shutdown error")
	}
	a.logger.Info().Msg("shutdown complete")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
