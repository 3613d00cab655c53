package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"civicplan/api/internal/app"
	"civicplan/api/internal/attachments"
	"civicplan/api/internal/collab"
	"civicplan/api/internal/config"
	"civicplan/api/internal/email"
	"civicplan/api/internal/metrics"
	"civicplan/api/internal/realtime"
	"civicplan/api/internal/search"
	"civicplan/api/internal/session"
	"civicplan/api/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(e *env) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and realtime API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e.cfg, e.logger, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger, migrate bool) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrate {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	collector := metrics.New()
	dataStore := store.NewPostgresStore(db)
	searchService, closeSearch := newSearch(cfg, db, logger)
	defer closeSearch()

	hub := realtime.NewHub(
		realtime.WithHubMetrics(collector),
		realtime.WithHubLogger(logger.With().Str("component", "hub").Logger()),
	)
	opts := []collab.Option{
		collab.WithTransport(hub),
		collab.WithLogger(logger.With().Str("component", "collab").Logger()),
		collab.WithMetrics(collector),
		collab.WithIndexer(searchService),
		collab.WithSessionTTL(cfg.SessionTTL),
		collab.WithEmptySessionGrace(cfg.EmptySessionGrace),
		collab.WithPresenceTimeouts(cfg.PresenceAwayAfter, cfg.PresenceOfflineAfter),
		collab.WithNotificationLimit(cfg.NotificationLimit),
	}
	checks := map[string]app.Pinger{"database": dataStore}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info().Msg("using redis for shared session state")
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		opts = append(opts, collab.WithSessionCache(redisStore))
		checks["redis"] = redisStore
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		BaseURL:  cfg.AppBaseURL,
	}, email.WithLogger(logger.With().Str("component", "email").Logger()))
	if mailer.IsConfigured() {
		opts = append(opts, collab.WithMailer(mailer))
	} else {
		logger.Info().Msg("smtp not configured, offline notifications stay in-app")
	}

	var attachmentStore app.AttachmentStore
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		objects, err := attachments.New(attachments.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("attachment bucket check failed")
		}
		attachmentStore = objects
	}

	engine := collab.New(dataStore, opts...)
	defer engine.Shutdown()

	socket := realtime.NewHandler(engine, hub, realtime.HandlerConfig{
		Secret:            []byte(cfg.JWTSecret),
		MaxMessageBytes:   cfg.WSMaxMessageBytes,
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		OriginPatterns:    []string{cfg.CORSOrigin},
		Metrics:           collector,
		Logger:            logger.With().Str("component", "realtime").Logger(),
	})
	httpServer := app.NewHTTPServer(engine, app.Options{
		Secret:      []byte(cfg.JWTSecret),
		CORSOrigin:  cfg.CORSOrigin,
		Logger:      logger.With().Str("component", "http").Logger(),
		Metrics:     collector,
		Realtime:    socket,
		Search:      searchService,
		Attachments: attachmentStore,
		Checks:      checks,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("presence sweep stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("CivicPlan API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// newSearch wires Meilisearch when configured, always backed by PostgreSQL
// full-text search.
func newSearch(cfg config.Config, db *sql.DB, logger zerolog.Logger) (*search.Service, func()) {
	var primary search.Primary
	closeFn := func() {}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		primary = meili
		closeFn = meili.Close
	}
	return search.NewService(primary, search.NewPgFTS(db), logger), closeFn
}
