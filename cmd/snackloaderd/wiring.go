package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"snackloader-backend/internal/api"
	"snackloader-backend/internal/auth"
	"snackloader-backend/internal/db"
	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/mw"
	"snackloader-backend/internal/notification"
	"snackloader-backend/internal/store"
)

// app is the wired backend shared by every subcommand.
type app struct {
	db        *gorm.DB
	store     store.Store
	coord     *feeding.Coordinator
	registry  *prometheus.Registry
	workers   *notification.WorkerPool
	responses *mw.ResponseCache
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp connects to the database and its optional collaborators. With
// background set the notification workers are started on ctx.
func buildApp(ctx context.Context, background bool) (*app, error) {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{
		db:        gormDB,
		store:     store.NewGormStore(gormDB),
		registry:  prometheus.NewRegistry(),
		responses: api.NewResponseCache(cfg.Server),
	}
	a.closers = append(a.closers, func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := feeding.Options{
		Metrics: feeding.NewMetrics(a.registry),
		Logger:  logger,
		Changed: a.responses.Invalidate,
	}

	locker, closeLocker, err := buildLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts.Locker = locker
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	if cfg.MQTT.Enabled {
		pub, err := notification.NewMQTTPublisher(cfg.MQTT, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts.Publisher = pub
		a.closers = append(a.closers, pub.Close)
	}

	if cfg.Push.Enabled() {
		a.workers = notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webPushOptions(), logger)
		if background {
			a.workers.Start(ctx)
		}
		opts.Notifier = a.workers
	} else {
		logger.Warn().Msg("VAPID keys are not configured, push notifications are disabled")
	}

	a.coord = feeding.NewCoordinator(cfg.Feeding, a.store, opts)
	return a, nil
}

// buildLocker returns the configured device locker and, for redis, a func
// that closes its client.
func buildLocker(ctx context.Context) (feeding.Locker, func(), error) {
	switch strings.ToLower(cfg.Lock.Backend) {
	case "", "local":
		return feeding.NewLocalLocker(), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Lock.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.Lock.RedisAddr).Msg("using redis device locks")
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close redis client")
			}
		}
		return feeding.NewRedisLocker(client, time.Duration(cfg.Lock.TTLSeconds)*time.Second), closeClient, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend %q", cfg.Lock.Backend)
	}
}

func buildVerifier() auth.Verifier {
	switch {
	case !cfg.Auth.Enabled:
		logger.Warn().Msg("authentication is disabled, frontend routes are open")
		return nil
	case cfg.Auth.HMACSecret != "":
		return auth.NewHMACVerifier(cfg.Auth.HMACSecret)
	default:
		keys := auth.NewCertSource(cfg.Auth.CertsURL, time.Duration(cfg.Auth.CertCacheMinutes)*time.Minute)
		return auth.NewFirebaseVerifier(cfg.Auth.ProjectID, keys)
	}
}
