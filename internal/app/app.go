package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/trace-crm/internal/auth"
	"github.com/Martian-dev/trace-crm/internal/config"
	"github.com/Martian-dev/trace-crm/internal/logging"
	"github.com/Martian-dev/trace-crm/internal/providers/gmail"
	"github.com/Martian-dev/trace-crm/internal/providers/outlook"
	"github.com/Martian-dev/trace-crm/internal/store/postgres"
	"github.com/Martian-dev/trace-crm/internal/store/sqlite"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "trace-crm",
	Short:         "Trace CRM email ingestion",
	Long:          "Connects mailboxes over OAuth and merges their mail into client timelines",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log.level", "info", "Log level")
	rootCmd.PersistentFlags().String("database.driver", "sqlite", "Store driver: sqlite, sqlite3 or postgres")
	rootCmd.PersistentFlags().String("database.dsn", "data/trace.db", "Database path or connection URL")

	for _, key := range []string{"log.level", "database.driver", "database.dsn"} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/trace-crm")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the wiring shared by every command
type env struct {
	cfg       *config.Config
	log       *logrus.Logger
	store     sync.Store
	providers sync.Providers
	runner    *sync.Runner
	manager   *sync.Manager
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	providers := buildProviders(cfg, log)
	tokens := sync.NewTokenManager(st, providers, cfg.Sync.TokenRefreshMargin, log)
	fetcher := sync.NewFetcher(providers, cfg.Sync.Fetcher(), log)
	reconciler := sync.NewReconciler(st, log)
	runner := sync.NewRunner(st, tokens, fetcher, reconciler, log)

	return &env{
		cfg:       cfg,
		log:       log,
		store:     st,
		providers: providers,
		runner:    runner,
		manager:   sync.NewManager(st, runner, providers, cfg.Sync.LeaseTTL, log),
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.log.WithError(err).Warn("close store")
	}
}

// openStore picks the backend named by database.driver
func openStore(ctx context.Context, db config.DatabaseConfig) (sync.Store, error) {
	switch db.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case sqlite.DriverModernc, sqlite.DriverMattn:
		st, err := sqlite.Open(db.Driver, db.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
}

// buildProviders registers an adapter for every provider with OAuth credentials
func buildProviders(cfg *config.Config, log logrus.FieldLogger) sync.Providers {
	providers := sync.Providers{}

	google := auth.NewGoogleOAuth(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	if google.Configured() {
		providers[sync.ProviderGmail] = gmail.New(google)
	} else {
		log.Warn("google.client_id not set, gmail disabled")
	}

	ms := auth.NewMicrosoftOAuth(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.RedirectURL, cfg.Microsoft.Tenant)
	if ms.Configured() {
		providers[sync.ProviderOutlook] = outlook.New(ms)
	} else {
		log.Warn("microsoft.client_id not set, outlook disabled")
	}

	return providers
}

var errMissingFlag = errors.New("missing required flag")
