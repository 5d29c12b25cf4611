package main

import (
	"context"
	"fmt"

	"github.com/finitoshi/chibi/pkg/artifact"
	artifactmongo "github.com/finitoshi/chibi/pkg/artifact/mongo"
	artifactsqlite "github.com/finitoshi/chibi/pkg/artifact/sqlite"
	"github.com/finitoshi/chibi/pkg/cache"
	cacheredis "github.com/finitoshi/chibi/pkg/cache/redis"
	cachesqlite "github.com/finitoshi/chibi/pkg/cache/sqlite"
	"github.com/finitoshi/chibi/pkg/config"
	"github.com/finitoshi/chibi/pkg/session"
	sessionsqlite "github.com/finitoshi/chibi/pkg/session/sqlite"
)

// responseCache is what serve and the cache command need from a driver.
type responseCache interface {
	cache.Cache
	cache.Maintainer
}

func nopClose() error { return nil }

func openCache(ctx context.Context, cfg config.CacheConfig, dbPath string) (responseCache, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return cache.NewMemory(cfg.TTL), nopClose, nil
	case "redis":
		c, err := cacheredis.New(ctx, cacheredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis cache: %w", err)
		}
		return c, c.Close, nil
	case "sqlite", "":
		c, err := cachesqlite.New(dbPath, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("init cache: %w", err)
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

func openSessions(cfg config.SessionConfig, dbPath string) (session.Store, func() error, error) {
	switch cfg.Driver {
	case "memory", "":
		return session.NewMemoryStore(), nopClose, nil
	case "sqlite":
		s, err := sessionsqlite.New(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("init session store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}

func openArtifacts(ctx context.Context, cfg config.StorageConfig) (artifact.Store, error) {
	if cfg.IsMongo() {
		s, err := artifactmongo.New(ctx, cfg.URI, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init artifact store: %w", err)
		}
		return s, nil
	}
	s, err := artifactsqlite.New(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	return s, nil
}
