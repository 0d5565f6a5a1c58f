package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bwtrack/internal/config"
	"bwtrack/internal/query"
	"bwtrack/internal/store"
)

var (
	cfgFile string
	jsonOut bool

	// settings carries defaults, BWTRACK_* environment overrides, the optional
	// config file and every bound flag.
	settings = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "bwtrack",
	Short: "Per-process network bandwidth tracker",
	Long: `bwtrack attributes TCP and UDP traffic to the processes that send and
receive it, using kernel probes, and keeps a queryable history in SQLite.

Run "bwtrack run" as root to collect, then query the history with the other
commands or watch it live with "bwtrack watch".`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	pf.BoolVar(&jsonOut, "json", false, "print results as JSON")
	pf.String("db", "bandwidth.db", "SQLite database path")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.Bool("log-development", false, "human friendly log output")
	mustBind("store.path", pf, "db")
	mustBind("log.level", pf, "log-level")
	mustBind("log.development", pf, "log-development")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("bwtrack version %s\n", rootCmd.Version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bwtrack:", err)
		os.Exit(1)
	}
}

func mustBind(key string, fs *pflag.FlagSet, name string) {
	if err := settings.BindPFlag(key, fs.Lookup(name)); err != nil {
		panic(fmt.Sprintf("binding --%s: %v", name, err))
	}
}

// setup loads the configuration and builds the logger every command uses.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(settings, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openFacade opens the store read side for the query commands. The returned
// func closes the store and flushes the logger.
func openFacade(ctx context.Context) (*query.Facade, *config.Config, func(), error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
		logger.Sync()
	}
	return query.New(st, nil), cfg, closeFn, nil
}
