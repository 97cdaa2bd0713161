package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wasend/internal/api"
	"github.com/adred-codev/wasend/internal/auth"
	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/config"
	"github.com/adred-codev/wasend/internal/dispatch"
	"github.com/adred-codev/wasend/internal/guard"
	"github.com/adred-codev/wasend/internal/limiter"
	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/realtime"
	"github.com/adred-codev/wasend/internal/store"
	"github.com/adred-codev/wasend/internal/upstream"
	"github.com/adred-codev/wasend/internal/webhook"
)

const (
	// tokenTTL bounds issued dashboard tokens; refresh is the dashboard's job.
	tokenTTL = 24 * time.Hour

	// eventAckWait is the visibility timeout for webhook event consumers.
	// Event handlers finish in milliseconds; only a crashed node holds a
	// delivery this long.
	eventAckWait = 30 * time.Second

	redisPingTimeout = 5 * time.Second
)

func main() {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration load failed")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	// automaxprocs already capped GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Persistence. Without Postgres everything lives in-process, which is
	// only useful for local development.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	// Transport. NATS_URL=memory skips JetStream for local development.
	var q queue.Queue
	if cfg.NATSURL == "memory" {
		logger.Warn().Msg("NATS_URL=memory, using in-process queue")
		q = queue.NewMemory()
	} else {
		js, err := queue.NewJetStream(ctx, cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		q = js
	}
	defer q.Close()

	// Cross-node coordination: shared limiter bucket and webhook dedupe.
	var shared limiter.SharedBucket
	var dedupe webhook.Deduper
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		shared = limiter.NewRedisBucket(rdb, cfg.NumberRate, cfg.NumberBurst)
		dedupe = webhook.NewRedisDeduper(rdb, cfg.WebhookDedupeTTL)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, dedupe and rate limits are node-local")
		dedupe = webhook.NewMemoryDeduper(cfg.WebhookDedupeTTL)
	}

	lim := limiter.New(limiter.Options{
		NumberRate:     cfg.NumberRate,
		NumberBurst:    cfg.NumberBurst,
		WorkspaceRate:  cfg.WorkspaceRate,
		WorkspaceBurst: cfg.WorkspaceBurst,
		GlobalRate:     cfg.GlobalRate,
		GlobalBurst:    cfg.GlobalBurst,
	}, shared, logger, m)

	sender := upstream.NewClient(upstream.Options{
		BaseURL:        cfg.UpstreamBaseURL,
		APIVersion:     cfg.UpstreamAPIVersion,
		ConnectTimeout: cfg.UpstreamConnectTimeout,
		TotalTimeout:   cfg.UpstreamTotalTimeout,
	}, logger)

	hub := realtime.NewHub(logger)

	var authMgr *auth.Manager
	if cfg.JWTSecret != "" {
		authMgr = auth.NewManager(cfg.JWTSecret, tokenTTL)
	} else {
		logger.Warn().Msg("JWT_SECRET not set, API auth disabled")
	}

	g := guard.New(guard.Config{
		CPUPauseThreshold: cfg.CPUPauseThreshold,
		MemoryLimit:       cfg.MemoryLimit,
		Interval:          cfg.GuardInterval,
	}, logger, m)

	executor := campaign.NewExecutor(campaign.Config{
		BatchSize:    cfg.CampaignBatchSize,
		PollInterval: cfg.CampaignPollInterval,
	}, st, q, logger, m)
	defer executor.Stop()

	// Durable consumers. Names are part of the JetStream state: changing one
	// abandons its delivery cursor.
	outboundQ, err := q.Consume(ctx, queue.StreamOutbound, "dispatcher", queue.SubjectOutbound, cfg.VisibilityTimeout)
	if err != nil {
		return err
	}
	statusQ, err := q.Consume(ctx, queue.StreamEvents, "status-handler", queue.SubjectStatusUpdates, eventAckWait)
	if err != nil {
		return err
	}
	inboundQ, err := q.Consume(ctx, queue.StreamEvents, "inbound-handler", queue.SubjectInboundMessages, eventAckWait)
	if err != nil {
		return err
	}
	templateQ, err := q.Consume(ctx, queue.StreamEvents, "template-handler", queue.SubjectTemplateUpdates, eventAckWait)
	if err != nil {
		return err
	}
	phoneQ, err := q.Consume(ctx, queue.StreamEvents, "phone-handler", queue.SubjectPhoneNumberUpdates, eventAckWait)
	if err != nil {
		return err
	}
	countersQ, err := q.Consume(ctx, queue.StreamEvents, "counter-reducer", queue.SubjectCampaignCounters, eventAckWait)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		Workers:           cfg.WorkerCount,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DequeueWait:       cfg.DequeueWait,
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           dispatch.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
	}, outboundQ, q, st, st, st, lim, sender, g, hub, logger, m)

	statusHandler := webhook.NewStatusHandler(st, statusQ, q, hub, logger, m)
	inboundHandler := webhook.NewInboundHandler(st, st, inboundQ, hub, logger, m)
	accountHandler := webhook.NewAccountHandler(st, st, templateQ, phoneQ, hub, logger, m)
	reducer := campaign.NewReducer(st, countersQ, logger, m)

	intake := webhook.NewServer(webhook.ServerConfig{
		VerifyToken:  cfg.WebhookVerifyToken,
		MaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}, st, dedupe, q, logger, m)

	apiSrv := api.NewServer(st, q, executor, intake, hub, authMgr, logger, m)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	start(g.Run)
	start(dispatcher.Run)
	start(statusHandler.Run)
	start(inboundHandler.Run)
	start(accountHandler.Run)
	start(reducer.Run)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("HTTP server failed")
		stop() // cancels ctx so the workers drain
	}

	// Bounded drain: stop intake first so nothing new arrives, then wait for
	// the workers to finish their in-flight messages. Anything left after the
	// deadline is redelivered by the queue on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	hub.Shutdown(shutdownCtx)
	executor.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("Workers drained")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Drain timeout elapsed, exiting with in-flight work")
	}
	return serveErr
}
