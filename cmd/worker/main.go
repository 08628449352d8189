// The worker runs the periodic jobs: dispatch cycles, event reminder
// sweeps, due scheduled campaigns, stuck entry recovery, and retention
// purges. It shares no state with the API server beyond the database and
// Redis, so multiple workers can run side by side.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/clubops/mailroom/internal/campaign"
	"github.com/clubops/mailroom/internal/config"
	"github.com/clubops/mailroom/internal/consent"
	"github.com/clubops/mailroom/internal/deliverylog"
	"github.com/clubops/mailroom/internal/dispatch"
	"github.com/clubops/mailroom/internal/member"
	"github.com/clubops/mailroom/internal/pkg/logger"
	"github.com/clubops/mailroom/internal/queue"
	"github.com/clubops/mailroom/internal/reminder"
	"github.com/clubops/mailroom/internal/template"
	"github.com/clubops/mailroom/internal/transport"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("database open failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}

	members := member.NewResolver(db)
	queueStore := queue.NewStore(db)
	campaignStore := campaign.NewStore(db)
	campaigns := campaign.NewService(campaignStore, members, queueStore, cfg.Mailer.DefaultMaxRetries)
	scheduler := reminder.NewScheduler(db, members, queueStore,
		cfg.Reminders.BatchSize, cfg.Reminders.PerEmailDelay(), cfg.Mailer.DefaultMaxRetries)
	delivery := deliverylog.NewStore(db)
	renderer := template.NewRenderer(db)
	consentMgr := consent.NewManager(cfg.Consent.SigningKey, cfg.Consent.EncryptionKey,
		cfg.Consent.Validity(), members)

	primary := transport.NewSparkPostSender(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL, cfg.SparkPost.Timeout())
	var secondary transport.Sender
	if cfg.SMTP.Enabled && cfg.SMTP.Host != "" {
		secondary = transport.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port,
			cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.Timeout())
		logger.Info("smtp fallback enabled", "host", cfg.SMTP.Host)
	}

	var limiter dispatch.Limiter
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis url", "error", err.Error())
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, sends will not be metered", "error", err.Error())
		}
		limiter = dispatch.NewRedisLimiter(client, "primary",
			cfg.Mailer.PerMinuteCap/60+1, cfg.Mailer.PerMinuteCap)
	}

	dispatcher := dispatch.NewDispatcher(queueStore, renderer, consentMgr, delivery,
		primary, secondary, limiter, campaigns, dispatch.Options{
			FromEmail:       cfg.Mailer.FromEmail,
			FromName:        cfg.Mailer.FromName,
			ReplyTo:         cfg.Mailer.ReplyTo,
			PublicBaseURL:   cfg.Mailer.BaseURL,
			MinBatchSize:    cfg.Mailer.MinBatchSize,
			MaxBatchSize:    cfg.Mailer.MaxBatchSize,
			Workers:         cfg.Mailer.DispatchWorkers,
			InterSendDelay:  cfg.Mailer.InterSendDelay(),
			InterBatchPause: cfg.Mailer.InterBatchPause(),
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	run := func(name string, interval time.Duration, job func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			logger.Info("worker job started", "job", name, "interval", interval.String())
			for {
				job(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("worker job started", "job", "dispatch",
			"interval", cfg.Mailer.DispatchInterval().String())
		_ = dispatcher.Run(ctx, cfg.Mailer.DispatchInterval())
	}()

	run("reminder-sweep", time.Duration(cfg.Reminders.PollIntervalSec)*time.Second, func(ctx context.Context) {
		if _, err := scheduler.ScheduleUpcoming(ctx, 25*time.Hour); err != nil && ctx.Err() == nil {
			logger.Error("reminder sweep failed", "error", err.Error())
		}
	})

	run("scheduled-campaigns", time.Minute, func(ctx context.Context) {
		if _, err := campaigns.ProcessDueScheduled(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduled campaign pass failed", "error", err.Error())
		}
	})

	run("stuck-release", 5*time.Minute, func(ctx context.Context) {
		if _, err := queueStore.ReleaseStuck(ctx, 15*time.Minute); err != nil && ctx.Err() == nil {
			logger.Error("stuck release failed", "error", err.Error())
		}
	})

	run("retention-purge", 24*time.Hour, func(ctx context.Context) {
		retention := time.Duration(cfg.Mailer.RetentionDays) * 24 * time.Hour
		if _, err := queueStore.PurgeOld(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Error("queue purge failed", "error", err.Error())
		}
		if _, err := delivery.Purge(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Error("delivery log purge failed", "error", err.Error())
		}
	})

	<-ctx.Done()
	logger.Info("worker shutting down")
	wg.Wait()
}
