package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Dalcio/pixelforge/config"
	"github.com/Dalcio/pixelforge/logger"
	"github.com/Dalcio/pixelforge/queue"
	"github.com/Dalcio/pixelforge/services"
	"github.com/Dalcio/pixelforge/worker"
)

// app owns every long-lived dependency. Components are opened on demand so
// that commands like status only connect to what they use.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *services.DatabaseService
	redis *redis.Client
	queue *queue.RedisQueue
	s3    *services.S3Service
}

func loadApp() (*app, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: log}, nil
}

func (a *app) database(ctx context.Context) (*services.DatabaseService, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.cfg.DB.Driver == "sqlite3" && a.cfg.DB.URL == "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.DB.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := services.NewDatabaseService(a.cfg.DB.Driver, a.cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	a.logger.Info("Connected to database", zap.String("driver", a.cfg.DB.Driver))
	a.db = db
	return db, nil
}

func (a *app) jobQueue(ctx context.Context) (*queue.RedisQueue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.logger.Info("Connected to Redis", zap.String("addr", a.cfg.RedisAddr))

	a.redis = client
	a.queue = queue.NewRedisQueue(client, queue.Keys{
		Pending:        a.cfg.PendingQueue,
		Processing:     a.cfg.ProcessingQueue,
		Failed:         a.cfg.FailedQueue,
		Delayed:        a.cfg.DelayedQueue,
		DeliveryPrefix: a.cfg.DeliveryPrefix,
	})
	return a.queue, nil
}

func (a *app) storage() (*services.S3Service, error) {
	if a.s3 != nil {
		return a.s3, nil
	}
	s3Svc, err := services.NewS3Service(a.cfg)
	if err != nil {
		return nil, err
	}
	a.s3 = s3Svc
	return s3Svc, nil
}

func (a *app) jobService(ctx context.Context) (*services.JobService, error) {
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	q, err := a.jobQueue(ctx)
	if err != nil {
		return nil, err
	}
	s3Svc, err := a.storage()
	if err != nil {
		return nil, err
	}

	return services.NewJobService(
		db,
		services.NewReachabilityService(a.cfg.ReachabilityTimeout),
		q,
		s3Svc,
		services.JobServiceOptions{
			MaxAttempts: a.cfg.MaxAttempts,
			Backoff:     a.cfg.RetryBackoff,
			ListLimit:   a.cfg.ListLimit,
		},
		a.logger,
	), nil
}

func (a *app) pool(ctx context.Context) (*worker.Pool, error) {
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	q, err := a.jobQueue(ctx)
	if err != nil {
		return nil, err
	}
	s3Svc, err := a.storage()
	if err != nil {
		return nil, err
	}

	pipeline := worker.NewPipeline(
		db,
		services.NewDownloadService(services.DownloadOptions{
			MaxBytes:    a.cfg.DownloadMaxBytes,
			HeadTimeout: a.cfg.DownloadHeadTimeout,
			GetTimeout:  a.cfg.DownloadGetTimeout,
		}),
		services.NewTransformService(services.TransformOptions{
			DefaultMaxDimension: a.cfg.DefaultMaxDimension,
			DefaultQuality:      a.cfg.DefaultQuality,
			Timeout:             a.cfg.TransformTimeout,
		}),
		s3Svc,
		a.cfg.UploadTimeout,
		a.logger,
	)
	return worker.NewPool(q, pipeline, worker.PoolOptions{
		Workers:    a.cfg.WorkerCount,
		StaleAfter: a.cfg.StaleJobAfter,
	}, a.logger), nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
