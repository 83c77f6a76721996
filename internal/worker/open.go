// ABOUTME: Connects a worker's infrastructure from configuration: broker, Redis, database, chat API
// ABOUTME: Redis is instrumented for tracing and pool metrics before any component sees it

package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/extra/redisprometheus/v9"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/observability"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/updates"
)

// Open connects everything cfg describes and returns a worker ready to Run.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Worker, err error) {
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	// Released in reverse on a failed start
	var opened []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Close()
		}
	}()

	instanceID := cfg.Service.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
		cfg.Service.InstanceID = instanceID
	}

	obs, err := observability.New(ctx, cfg.Tracing, cfg.Service.Name, instanceID)
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg, cfg.Service.Name)

	rdb, err := openRedis(ctx, cfg.Redis, obs)
	if err != nil {
		return nil, err
	}
	opened = append(opened, rdb)
	reg.MustRegister(redisprometheus.NewCollector("coven_relay", "redis", rdb))

	var st store.Store
	if cfg.Service.Name == ServiceForwarding {
		sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		opened = append(opened, sqlStore)
		st = sqlStore
	}

	conn, err := updates.Dial(cfg.Broker, "coven-relay-"+cfg.Service.Name+"-"+instanceID)
	if err != nil {
		return nil, err
	}
	opened = append(opened, conn)

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	main, err := chatapi.NewBot(cfg.Telegram.Token, cfg.Telegram.APIServer)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	// The update source closes the channel itself
	closers := []io.Closer{conn}
	if st != nil {
		closers = append(closers, st)
	}
	closers = append(closers, rdb)

	w, err := New(ctx, cfg, Deps{
		Channel:       ch,
		Redis:         rdb,
		Store:         st,
		Main:          main,
		Bots:          chatapi.NewTelegoFactory(cfg.Telegram.APIServer),
		Registry:      reg,
		Metrics:       m,
		Observability: obs,
		Logger:        logger,
		Closers:       closers,
	})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return w, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig, obs *observability.Observability) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := redisotel.InstrumentTracing(rdb, redisotel.WithTracerProvider(obs.TracerProvider)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("instrument redis: %w", err)
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
