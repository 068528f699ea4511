package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatbridge/internal/assistant"
	"chatbridge/internal/bus"
	"chatbridge/internal/channel"
	"chatbridge/internal/config"
	"chatbridge/internal/dedup"
	"chatbridge/internal/ingest"
	"chatbridge/internal/responder"
	"chatbridge/internal/server"
	"chatbridge/internal/store"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// openStore builds the configured backend behind a gateway and logs in once.
// feed may be nil for one-shot commands.
func openStore(ctx context.Context, cfg *config.Config, feed store.ChangeFeed) (*store.Gateway, error) {
	var backend store.Backend
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.DBPath, logger)
		if err != nil {
			return nil, err
		}
		backend = s
	default:
		backend = store.NewPocketBase(store.PocketBaseConfig{
			URL:      cfg.Store.URL,
			Identity: cfg.Store.Identity,
			Password: cfg.Store.Password,
			Timeout:  seconds(cfg.Store.TimeoutSeconds),
			Logger:   logger,
		})
	}

	gw := store.NewGateway(store.GatewayConfig{Backend: backend, Feed: feed, Logger: logger})
	if err := gw.Login(ctx); err != nil {
		gw.Close()
		return nil, fmt.Errorf("store login (%s): %w", cfg.Store.Backend, err)
	}
	return gw, nil
}

// openDedup returns the cache, the sweeper for the in-memory cache (nil for
// redis) and a close function.
func openDedup(ctx context.Context, cfg config.DedupConfig) (dedup.Cache, *dedup.Sweeper, func() error, error) {
	ttl := seconds(cfg.TTLSeconds)
	if cfg.Backend == "redis" {
		r := dedup.NewRedis(dedup.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      ttl,
		}, logger)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		return r, nil, r.Close, nil
	}

	mem := dedup.NewMemory(logger, dedup.WithTTL(ttl))
	sweeper, err := dedup.NewSweeper(mem, cfg.SweepSchedule, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return mem, sweeper, func() error { return nil }, nil
}

func newResponder(cfg config.AssistantConfig, gw *store.Gateway) *responder.Responder {
	client := assistant.NewClient(assistant.Config{
		APIKey:          cfg.APIKey,
		APIBase:         cfg.APIBase,
		AssistantID:     cfg.AssistantID,
		VisionModel:     cfg.VisionModel,
		VisionPrompt:    cfg.VisionPrompt,
		TranscribeModel: cfg.TranscribeModel,
		Language:        cfg.Language,
		Timeout:         seconds(cfg.TimeoutSeconds),
		Logger:          logger,
	})

	poller := responder.NewPoller()
	poller.Interval = time.Duration(cfg.PollIntervalMillis) * time.Millisecond
	poller.Timeout = seconds(cfg.PollTimeoutSeconds)

	var transcoder *responder.FFmpeg
	if cfg.FFmpegPath != "" {
		transcoder = responder.NewFFmpeg(cfg.FFmpegPath)
	}

	rcfg := responder.Config{
		Assistant: client,
		Store:     gw,
		Poller:    poller,
		Limiter:   responder.NewRateLimiter(cfg.MaxBurst, cfg.RateLimitPerMinute),
		Logger:    logger,
	}
	if transcoder != nil {
		rcfg.Transcoder = transcoder
	}
	return responder.New(rcfg)
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := bus.NewEventBus(cfg.Server.EventHistory, logger)

	gw, err := openStore(ctx, cfg, feed)
	if err != nil {
		return err
	}
	defer gw.Close()

	cache, sweeper, closeCache, err := openDedup(ctx, cfg.Dedup)
	if err != nil {
		return err
	}
	defer closeCache()

	var adapters []channel.Adapter
	var telegram *channel.Telegram
	if cfg.Telegram.Enabled {
		telegram, err = channel.NewTelegram(channel.TelegramConfig{
			Token:       cfg.Telegram.Token,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			AllowFrom:   cfg.Telegram.AllowFrom,
			ParseMode:   cfg.Telegram.ParseMode,
			PollTimeout: cfg.Telegram.PollTimeout,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, telegram)
	}
	var aggregator *channel.Aggregator
	if cfg.Aggregator.Enabled {
		aggregator = channel.NewAggregator(channel.AggregatorConfig{
			BaseURL:    cfg.Aggregator.BaseURL,
			Token:      cfg.Aggregator.Token,
			BotAgentID: cfg.Aggregator.BotAgentID,
			Timeout:    seconds(cfg.Aggregator.TimeoutSeconds),
			Logger:     logger,
		})
		adapters = append(adapters, aggregator)
	}
	if len(adapters) == 0 {
		logger.Warn("no platform adapters enabled; only the API is served")
	}

	pipeline := ingest.New(ingest.Config{
		Store:     gw,
		Dedup:     cache,
		Responder: newResponder(cfg.Assistant, gw),
		Registry:  channel.NewRegistry(adapters...),
		Logger:    logger,
	})

	srvCfg := server.Config{
		Addr:          cfg.Server.Addr(),
		APIKey:        cfg.Server.APIKey,
		WebhookSecret: cfg.Server.WebhookSecret,
		Version:       version,
		PingInterval:  seconds(cfg.Server.StreamPingSeconds),
		Pipeline:      pipeline,
		Store:         gw,
		Feed:          feed,
		Logger:        logger,
	}
	if aggregator != nil {
		srvCfg.Aggregator = aggregator
	}
	if cfg.Server.APIKey == "" {
		logger.Warn("server.apiKey is empty; the operator API is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.New(srvCfg).Run(gctx) })
	if telegram != nil {
		g.Go(func() error { return telegram.Run(gctx, pipeline) })
	}
	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	logger.Info("chatbridge started",
		"version", version,
		"store", cfg.Store.Backend,
		"dedup", cfg.Dedup.Backend,
		"telegram", telegram != nil,
		"aggregator", aggregator != nil,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("chatbridge stopped")
	return nil
}
