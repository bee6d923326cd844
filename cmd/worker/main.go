package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/jobs"
	"qrattend/internal/logging"
	"qrattend/internal/observability"
	"qrattend/internal/queue"
	"qrattend/internal/registry"
	"qrattend/internal/store"
)

// Worker consumes session lifecycle events into the audit trail and runs the
// periodic jobs: the end-of-day absent sweep and refresh-token purge.
func main() {
	if err := godotenv.Load(); err != nil {
		stdlog.Println("no .env file, using environment")
	}
	cfg := config.Load()

	log, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		stdlog.Fatalf("logger init failed: %v", err)
	}
	defer log.Closer()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "")
	if err != nil {
		log.Sugar.Warnw("sentry init failed", "err", err)
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Sugar.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Sugar.Fatalw("db connect failed", "err", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:events")
	}

	attRepo := attendance.NewRepository(db.Client)
	regRepo := registry.NewRepository(db.Client)
	authRepo := auth.NewRepository(db.Client)
	attSvc := attendance.NewService(attRepo, regRepo, nil, cfg.Location)

	runner := jobs.New(ctx)
	runner.Every(cfg.AbsentSweepInterval, "absent_sweep", func(ctx context.Context) error {
		marked, err := attSvc.SweepAbsent(ctx)
		if err != nil {
			log.Sugar.Warnw("absent sweep failed", "err", err)
			observability.CaptureErr(err)
			return err
		}
		if marked > 0 {
			log.Sugar.Infow("absent sweep", "marked", marked)
		}
		return nil
	})
	runner.Every(time.Hour, "refresh_token_purge", func(ctx context.Context) error {
		purged, err := authRepo.PurgeExpiredRefreshTokens(ctx)
		if err != nil {
			return err
		}
		if purged > 0 {
			log.Sugar.Infow("purged refresh tokens", "count", purged)
		}
		return nil
	})

	events, err := q.Consume(ctx)
	if err != nil {
		log.Sugar.Fatalw("queue consume init failed", "err", err)
	}

	log.Sugar.Info("worker started, waiting for session events")
	for ev := range events {
		if ev.Type != attendance.EventOpened && ev.Type != attendance.EventClosed {
			continue
		}

		sess, err := attRepo.GetSession(ctx, ev.SessionID)
		if err != nil {
			log.Sugar.Warnw("fetch session failed", "session", ev.SessionID, "err", err)
			continue
		}
		if sess == nil {
			// Deleted between publish and consume; nothing to audit.
			continue
		}

		occurred := ev.OccurredAt
		if occurred.IsZero() {
			occurred = sess.UpdatedAt
		}

		if err := attRepo.InsertAudit(ctx, *sess, ev.Type, occurred); err != nil {
			log.Sugar.Warnw("audit write failed", "session", ev.SessionID, "err", err)
			observability.CaptureErr(err)
			continue
		}
		log.Sugar.Debugw("audited", "session", ev.SessionID, "event", ev.Type)
	}

	log.Sugar.Info("worker stopped")
}
