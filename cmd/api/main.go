package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"inkwell/api/db"
	"inkwell/api/internal/app"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/challenge"
	"inkwell/api/internal/config"
	"inkwell/api/internal/email"
	"inkwell/api/internal/jobs"
	"inkwell/api/internal/legacy"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

const version = "0.4.0"

func main() {
	cliApp := &cli.App{
		Name:    "inkwell",
		Usage:   "Threaded comments API with password-protected pages",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "inkwell.toml",
				EnvVars: []string{"INKWELL_CONFIG"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			migrateLegacyCommand(),
			provisionPageCommand(),
			reconcileCountersCommand(),
			hashAdminPasswordCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, *store.PostgresStore, error) {
	conn, err := store.Open(ctx, cfg.DatabaseURL, 10*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	source, err := store.MigrationSource(cfg.MigrationsDir, db.Migrations)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, conn, source); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return conn, store.NewPostgresStore(conn), nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	conn, dataStore, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	var (
		challenges challenge.Store
		memory     *challenge.MemoryStore
		broker     realtime.Broker
		redisStore *challenge.RedisStore
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err = challenge.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, keeping challenges and events in process")
		}
	}
	if redisStore != nil {
		defer redisStore.Close()
		log.Info().Msg("using redis for challenges and real-time fan-out")
		challenges = redisStore
		broker = realtime.NewHub(redisStore.Client())
	} else {
		memory = challenge.NewMemoryStore()
		challenges = memory
		broker = realtime.NewLocalHub()
	}

	pgfts := search.NewPgFTS(conn)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Owner:    cfg.OwnerEmail,
	})

	authService := authpw.NewService(dataStore, challenges, cfg.JWTSecret, authpw.Options{
		ChallengeTTL: cfg.ChallengeTTL,
		AccessTTL:    cfg.AccessTTL,
	})
	service := app.NewService(cfg, dataStore, app.Options{
		Auth:     authService,
		Notifier: broker,
		Search:   searchService,
		Mailer:   mailer,
		Legacy:   legacy.NewMigrator(dataStore, cfg.LegacyPageID),
	})
	if redisStore != nil {
		service.AddReadinessCheck("redis", redisStore.Ping)
	}

	// The reindex runs after the migration so migrated rows are included;
	// MigrateLegacy rebuilds the index itself when it copied anything.
	reindexed := false
	if cfg.MigrateLegacyOnStart {
		result, err := service.MigrateLegacy(ctx, false)
		if err != nil {
			log.Warn().Err(err).Msg("legacy migration failed; will retry on next restart")
		} else {
			log.Info().Interface("result", result).Msg("legacy migration finished")
			reindexed = result.Migrated > 0
		}
	}
	if meiliClient != nil && !reindexed {
		go func() {
			indexed := searchService.ReindexAllFromPG(context.Background())
			log.Info().Int("comments", indexed).Msg("search index rebuilt")
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	gateway := realtime.NewGateway(service, broker)

	scheduler := jobs.NewScheduler()
	maintenance := jobs.Maintenance{
		Counters:          service,
		RateLimits:        httpServer,
		SweepSchedule:     cfg.SweepSchedule,
		ReconcileSchedule: cfg.ReconcileSchedule,
	}
	if memory != nil {
		maintenance.Challenges = memory
	}
	if err := scheduler.RegisterMaintenance(maintenance); err != nil {
		return err
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/api/realtime/", httpServer.Wrap(gateway))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Inkwell API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
