package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"assembly/client/internal/app"
	"assembly/client/internal/config"
	"assembly/client/internal/notify"
	"assembly/client/internal/platform"
	"assembly/client/internal/storage"
)

func openStorage(cfg config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "redis":
		log.Printf("Using Redis storage at %s", cfg.RedisURL)
		return storage.NewRedisStore(cfg.RedisURL, "assembly:")
	case "memory":
		log.Print("Using in-memory storage (state is lost on exit)")
		return storage.NewMemStore(cfg.StorageQuotaBytes).Open(), nil
	default:
		log.Printf("Using SQLite storage at %s", cfg.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return storage.NewSQLiteStore(cfg.SQLitePath, cfg.StorageQuotaBytes)
	}
}

func main() {
	cfg := config.Load()

	store, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}

	client, err := platform.New(cfg.APIBaseURL, cfg.FetchTimeout)
	if err != nil {
		log.Fatalf("platform client init failed: %v", err)
	}

	engine := app.New(store, client, app.Options{
		ProfileID:      cfg.ProfileID,
		PollBase:       cfg.PollBase,
		PollMax:        cfg.PollMax,
		PollMaxFails:   cfg.PollMaxFailures,
		MinResumeGap:   cfg.PollMinResumeGap,
		FetchTimeout:   cfg.FetchTimeout,
		DebounceWindow: cfg.DebounceWindow,
		DraftCeiling:   cfg.DraftCeiling,
		Notify: notify.Options{
			Cap:          cfg.NotifyCap,
			RateWindow:   cfg.NotifyRateWindow,
			RateLimit:    cfg.NotifyRateLimit,
			DedupeWindow: cfg.NotifyDedupeWindow,
		},
		SessionCacheTTL: cfg.SessionCacheTTL,
	})
	defer engine.Close()
	engine.Start()

	httpServer := app.NewHTTPServer(engine)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Assembly client listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// SIGUSR1 suspends polling, SIGUSR2 resumes it. SIGINT/SIGTERM
	// flushes drafts and exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			engine.SetVisible(false)
			continue
		case syscall.SIGUSR2:
			engine.SetVisible(true)
			continue
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	engine.Close()
}
