package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clubops/mailroom/internal/api"
	"github.com/clubops/mailroom/internal/campaign"
	"github.com/clubops/mailroom/internal/config"
	"github.com/clubops/mailroom/internal/consent"
	"github.com/clubops/mailroom/internal/deliverylog"
	"github.com/clubops/mailroom/internal/member"
	"github.com/clubops/mailroom/internal/pkg/logger"
	"github.com/clubops/mailroom/internal/queue"
	"github.com/clubops/mailroom/internal/reminder"
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
	consentMgr := consent.NewManager(cfg.Consent.SigningKey, cfg.Consent.EncryptionKey,
		cfg.Consent.Validity(), members)

	handlers := api.NewHandlers(campaigns, queueStore, scheduler, delivery, consentMgr, members)
	router := api.SetupRoutes(handlers, []string{cfg.Mailer.BaseURL})

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown not clean", "error", err.Error())
	}
}
