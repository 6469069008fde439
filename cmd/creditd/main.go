package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/photorestore/internal/httpapi"
	"github.com/MarkoPoloResearchLab/photorestore/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/photorestore/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/photorestore/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagRedisURL         = "redis-url"
	flagListenAddr       = "listen-addr"
	configKeyDatabaseURL = "database_url"
	configKeyRedisURL    = "redis_url"
	configKeyListenAddr  = "listen_addr"
	defaultDatabaseURL   = "sqlite:///tmp/photorestore.db"
	defaultListenAddr    = ":9090"
)

type runtimeConfig struct {
	DatabaseURL string
	RedisURL    string
	API         httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Photo-restoration credit API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string (or sqlite path)")
	cmd.Flags().String(flagRedisURL, "", "Redis URL for the daily allowance cache (optional)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyRedisURL, "REDIS_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyListenAddr, "LISTEN_ADDR"); err != nil {
		return err
	}

	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyRedisURL, cmd.Flags().Lookup(flagRedisURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.RedisURL = viper.GetString(configKeyRedisURL)

	cfg.API = httpapi.Config{
		ListenAddr:        viper.GetString(configKeyListenAddr),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(os.Getenv("ALLOWED_ORIGINS")),
		SessionSigningKey: os.Getenv("SESSION_SIGNING_KEY"),
		SessionIssuer:     os.Getenv("SESSION_ISSUER"),
		SessionCookieName: os.Getenv("SESSION_COOKIE_NAME"),
		WebhookSigningKey: os.Getenv("PAYMENT_WEBHOOK_KEY"),
		CheckoutBaseURL:   os.Getenv("CHECKOUT_BASE_URL"),
		RestorerEndpoint:  os.Getenv("RESTORER_ENDPOINT"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          os.Getenv("S3_REGION"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
	}
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() time.Time { return time.Now().UTC() }
	operationLogger := httpapi.NewZapOperationLogger(logger)

	trackerOptions := []credits.TrackerOption{credits.WithTrackerLogger(operationLogger)}
	if cfg.RedisURL != "" {
		allowanceCache, cacheErr := redisstore.Open(ctx, cfg.RedisURL)
		if cacheErr != nil {
			// Tracker falls back to the count query without a cache.
			logger.Warn("allowance cache unavailable", zap.Error(cacheErr))
		} else {
			defer func() { _ = allowanceCache.Close() }()
			trackerOptions = append(trackerOptions, credits.WithAllowanceCache(allowanceCache))
		}
	}
	tracker, err := credits.NewTracker(store, clock, trackerOptions...)
	if err != nil {
		return fmt.Errorf("tracker init: %w", err)
	}
	service, err := credits.NewService(store, tracker, clock, credits.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	restorer := httpapi.NewHTTPRestorer(cfg.API.RestorerEndpoint, cfg.API.RestorerTimeout)
	uploads := httpapi.NewS3Signer(cfg.API)

	return httpapi.Run(ctx, cfg.API, logger, service, restorer, uploads)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "photorestore.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
