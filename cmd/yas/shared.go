package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/yas/internal/config"
	"github.com/jkaninda/yas/internal/history"
	"github.com/jkaninda/yas/internal/observability"
	"github.com/jkaninda/yas/internal/session"
	"github.com/jkaninda/yas/internal/workspace"
)

// globalFlags are shared by the root command and every subcommand.
type globalFlags struct {
	configPath  string
	base        string
	verbose     bool
	metricsFile string
	noCache     bool
}

var flags globalFlags

func registerGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultConfigPath(), "Path to configuration file (YAML or JSON)")
	pf.StringVar(&flags.base, "base", "", "Tool base URL (overrides YAS_BASE and the config file)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	pf.BoolVar(&flags.noCache, "no-cache", false, "Bypass the persistent HTTP cache")
}

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Env     map[string]string
	Obs     *observability.Observability
	History *history.Store // nil = history disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Workspace opens the data directory the way a session would resolve it.
func (sc *SharedComponents) Workspace() (*workspace.Workspace, error) {
	home, err := session.ResolveHome(sc.Env, sc.Config, nil)
	if err != nil {
		return nil, err
	}
	return workspace.New(home)
}

// initShared loads configuration, applies command-line flags and opens
// observability and the history store. Callers must call sc.Cleanup().
func initShared(ctx context.Context) (*SharedComponents, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)

	logger := cfg.Log.NewLogger(os.Stderr)
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		Env:    session.EnvMap(os.Environ()),
	}
	if flags.base != "" {
		sc.Env[session.EnvBase] = flags.base
	}

	obs, err := observability.New(cfg.Observability, logger, observability.WithVersion(version))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	if cfg.HistoryEnabled() {
		store, err := openHistory(ctx, sc)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing history: %w", err)
		}
		sc.History = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing history store", slog.String("error", err.Error()))
			}
		})
		logger.Debug("history initialized", slog.String("driver", store.Driver()))
	}
	return sc, nil
}

// loadConfig reads the configuration file. A missing file at the default
// location yields the default configuration.
func loadConfig() (*config.Config, error) {
	path := config.EnvOr("YAS_CONFIG", flags.configPath)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		cfg = config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, err
}

func applyFlags(cfg *config.Config) {
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.noCache {
		cfg.Cache.Disabled = true
	}
	if flags.metricsFile != "" {
		if cfg.Observability == nil {
			cfg.Observability = &config.ObservabilityConfig{}
		}
		if cfg.Observability.Metrics == nil {
			cfg.Observability.Metrics = &config.MetricsConfig{}
		}
		cfg.Observability.Metrics.Enabled = true
		cfg.Observability.Metrics.File = flags.metricsFile
	}
}

func openHistory(ctx context.Context, sc *SharedComponents) (*history.Store, error) {
	hc := sc.Config.History
	hcfg := history.Config{Driver: hc.HistoryDriver()}

	switch hcfg.Driver {
	case "postgres":
		pg := hc.Postgres
		hcfg.Postgres = history.PostgresConfig{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}
	default:
		var path, journal string
		if hc.SQLite != nil {
			path, journal = hc.SQLite.Path, hc.SQLite.JournalMode
		}
		if path == "" {
			ws, err := sc.Workspace()
			if err != nil {
				return nil, err
			}
			if path, err = ws.DatabasePath(); err != nil {
				return nil, err
			}
		}
		hcfg.SQLite = history.SQLiteConfig{Path: path, JournalMode: journal}
	}
	return history.Open(ctx, hcfg, sc.Logger)
}

// metricsFile returns where the text exposition should be written, if anywhere.
func (sc *SharedComponents) metricsFile() string {
	if m := sc.Config.Observability; m != nil && m.Metrics != nil {
		return m.Metrics.File
	}
	return ""
}
