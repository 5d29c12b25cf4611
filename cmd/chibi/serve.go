package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finitoshi/chibi/pkg/audit"
	"github.com/finitoshi/chibi/pkg/backend"
	"github.com/finitoshi/chibi/pkg/cache"
	"github.com/finitoshi/chibi/pkg/config"
	"github.com/finitoshi/chibi/pkg/gateway"
	"github.com/finitoshi/chibi/pkg/imagegen"
	"github.com/finitoshi/chibi/pkg/metrics"
	"github.com/finitoshi/chibi/pkg/ownership"
	"github.com/finitoshi/chibi/pkg/router"
	"github.com/finitoshi/chibi/pkg/server"
	"github.com/finitoshi/chibi/pkg/telegram"
)

func newServeCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Log.Level, *verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Telegram.BotToken == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN is not set; replies will fail")
	}
	if cfg.Chain.StandardAsset == "" || cfg.Chain.VisionAsset == "" {
		logger.Warn("gated asset ids are not fully configured; affected tiers are unreachable")
	}

	m := metrics.New()

	respCache, closeCache, err := openCache(ctx, cfg.Cache, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	sessions, closeSessions, err := openSessions(cfg.Session, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = closeSessions() }()

	artifacts, err := openArtifacts(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = artifacts.Close() }()

	var decisions gateway.DecisionLog
	if cfg.Audit.Enabled {
		auditor, err := audit.New(cfg.Audit, logger.Named("audit"))
		if err != nil {
			return fmt.Errorf("init audit: %w", err)
		}
		defer func() { _ = auditor.Close() }()
		decisions = auditor
	}

	client := backend.New(backend.Options{
		URL:            cfg.Backend.URL,
		APIKey:         cfg.Backend.APIKey,
		MaxAttempts:    cfg.Backend.MaxAttempts,
		BaseDelay:      cfg.Backend.BaseDelay,
		AttemptTimeout: cfg.Backend.AttemptTimeout,
		Temperature:    cfg.Backend.Temperature,
		Logger:         logger.Named("backend"),
		Metrics:        m,
	}, router.New(cfg.Router), respCache)

	var images gateway.ImageGenerator
	imageClient := imagegen.New(imagegen.Options{
		URL:          cfg.Image.URL,
		Token:        cfg.Image.Token,
		PollInterval: cfg.Image.PollInterval,
		MaxWait:      cfg.Image.MaxWait,
		Logger:       logger.Named("imagegen"),
		Metrics:      m,
	})
	if imageClient.Configured() {
		images = imageClient
	} else {
		logger.Info("image backend not configured; /imagine is disabled")
	}

	ctrl := gateway.New(gateway.Options{
		Sessions:  sessions,
		Oracle:    ownership.New(cfg.Chain.RPCURL, cfg.Chain.Timeout, logger.Named("ownership"), m),
		Backend:   client,
		Messenger: telegram.New(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.Timeout, logger.Named("telegram")),
		Images:    images,
		Artifacts: artifacts,
		Audit:     decisions,
		Assets:    gateway.Assets{Standard: cfg.Chain.StandardAsset, Vision: cfg.Chain.VisionAsset},
		Logger:    logger.Named("gateway"),
		Metrics:   m,
	})
	defer ctrl.Wait()

	srv := server.New(server.Options{
		Listen:        cfg.Listen,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
		Logger:        logger.Named("http"),
		Metrics:       m,
	}, ctrl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		purgeLoop(gctx, respCache, cfg.Cache.PurgeInterval, logger)
		return nil
	})
	return g.Wait()
}

// purgeLoop deletes expired cache entries until ctx is done.
func purgeLoop(ctx context.Context, c cache.Maintainer, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Clear(ctx, true); err != nil {
				logger.Warn("cache purge failed", zap.Error(err))
			}
		}
	}
}
