package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collabboard/api/internal/app"
	"collabboard/api/internal/authpw"
	"collabboard/api/internal/config"
	"collabboard/api/internal/email"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/search"
	"collabboard/api/internal/session"
	"collabboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	// Refresh sessions live in Redis when configured, otherwise Postgres.
	var sessions app.SessionStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, falling back to PostgreSQL sessions: %v", err)
			sessions = session.NewPostgresSessions(dataStore)
		} else {
			log.Printf("Using Redis for refresh sessions")
			defer redisStore.Close()
			sessions = redisStore
		}
	} else {
		log.Printf("Using PostgreSQL for refresh sessions")
		sessions = session.NewPostgresSessions(dataStore)
	}

	var mailService *email.Service
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		mailService = email.NewService(email.Config{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			FromName:  cfg.SMTPFromName,
			EnableTLS: true,
		})
	} else {
		log.Printf("SMTP not configured, email delivery disabled")
	}

	hub := realtime.NewHub()
	go hub.Run(ctx)

	authService := authpw.NewService(dataStore)
	service := app.New(cfg, dataStore, sessions, hub, authService, mailService, searchService)

	// Rebuild the Meilisearch indexes in the background on startup.
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("CollabBoard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
