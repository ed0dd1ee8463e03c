package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"certmailer/internal/config"
	"certmailer/internal/docstore"
	"certmailer/internal/storage"
)

var (
	cfgPath string
	dbType  string
	verbose bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "certmailer",
	Short: "Generate personalized certificates from a Slides template and email them",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if cfgPath == "" {
			cfgPath = os.Getenv("CERTMAILER_CONFIG")
		}
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file, JSON or YAML (default $CERTMAILER_CONFIG or config.json)")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", envOr("CERTMAILER_DB", "sqlite3"), "database driver: sqlite3 or mysql")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, sendCmd, reapCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openDatabase opens and migrates the configured database.
func openDatabase() (*sql.DB, error) {
	logger.Debug("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func openGoogleStore(cmd *cobra.Command) (*docstore.GoogleStore, error) {
	creds, err := cfg.Google.ServiceAccountCredentials()
	if err != nil {
		return nil, err
	}
	store, err := docstore.NewGoogleStore(cmd.Context(), creds)
	if err != nil {
		return nil, fmt.Errorf("connect google apis: %w", err)
	}
	return store, nil
}

// lifecycleOptions are the document options shared by every entry point.
func lifecycleOptions() []docstore.Option {
	return []docstore.Option{
		docstore.WithPlaceholder(cfg.BasicConfig.DocumentPlaceholder),
		docstore.WithTimeout(cfg.BasicConfig.RemoteTimeout()),
		docstore.WithLogger(logger),
	}
}
