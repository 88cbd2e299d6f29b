package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"replywatch/internal/archive"
	"replywatch/internal/config"
	"replywatch/internal/detect"
	"replywatch/internal/notify"
	"replywatch/internal/provider"
	"replywatch/internal/provider/gmail"
	"replywatch/internal/queue"
	"replywatch/internal/ratelimit"
	"replywatch/internal/rollup"
	"replywatch/internal/store"
	"replywatch/internal/sweeper"
	"replywatch/internal/telemetry"
	workerproc "replywatch/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	policy, err := config.LoadDetectionPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("load detection policy: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.MailboxRateCapacity, cfg.MailboxRateRefill, time.Hour)

	providers := provider.NewRegistry()
	providers.Register(gmail.NewConnector(cfg.GmailCredentialsDir))

	checkpoints := detect.NewCheckpointCache(st, cfg.CheckpointCacheTTL)
	detectors := detect.NewRegistry(policy, checkpoints, int64(cfg.HistoryPageSize))
	notifier := notify.New(cfg.AlertWebhookURL)

	processor := workerproc.NewProcessor(cfg, st, q, providers, detectors, checkpoints, limiter, notifier)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return sweeper.New(cfg, st, q).Run(gctx) })
	g.Go(func() error { return rollup.New(cfg, st).Run(gctx) })
	if cfg.ArchiveBucket != "" {
		archiver, err := archive.New(ctx, cfg, st)
		if err != nil {
			log.Fatalf("init archiver: %v", err)
		}
		g.Go(func() error { return archiver.Run(gctx) })
	}

	log.Printf("worker started workers=%d sweep=%s backoff_initial=%s",
		cfg.WorkerCount, cfg.SweepInterval, cfg.BackoffInitial)
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
