package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bwtrack/internal/capture"
	"bwtrack/internal/capture/kprobe"
	"bwtrack/internal/collector"
	"bwtrack/internal/config"
	"bwtrack/internal/query"
	"bwtrack/internal/store"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture traffic, persist it and serve metrics",
	Long: `Loads the kernel probes, drains them every collector.interval into the
database and removes rows older than store.retention_days. Needs root, or
CAP_BPF with CAP_PERFMON, unless --synthetic is given. The metrics listener
also serves the latest drained interval as JSON on /live.`,
	Args: cobra.NoArgs,
	RunE: runCollector,
}

func init() {
	f := runCmd.Flags()
	f.Duration("interval", 2*time.Second, "drain interval")
	f.Bool("synthetic", false, "feed the collector generated traffic instead of kernel probes")
	f.String("metrics-listen", ":9477", "address of the /metrics and /live endpoints, empty to disable")
	f.Int("retention-days", 7, "delete rows older than this many days")
	mustBind("collector.interval", f, "interval")
	mustBind("capture.synthetic", f, "synthetic")
	mustBind("metrics.listen", f, "metrics-listen")
	mustBind("store.retention_days", f, "retention-days")

	rootCmd.AddCommand(runCmd)
}

func runCollector(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deferred releases run in reverse: probes are detached before the store
	// is closed, and both only after every goroutine below has returned.
	st, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	src, err := openSource(gctx, g, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error("detaching capture", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []collector.Option{
		collector.WithInterval(cfg.Collector.Interval),
		collector.WithRetries(cfg.Collector.PersistRetries),
		collector.WithMetrics(reg),
	}
	if names, err := collector.NewProcNames("/proc", 0); err != nil {
		logger.Warn("process names from /proc unavailable", zap.Error(err))
	} else {
		opts = append(opts, collector.WithNames(names))
	}
	col := collector.New(src, st, logger, opts...)
	g.Go(func() error { return col.Run(gctx) })

	retention, err := store.NewRetention(st, cfg.Store.RetentionDays, cfg.Store.CleanupSchedule, logger)
	if err != nil {
		stop()
		g.Wait()
		return err
	}
	retention.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		retention.Stop(sctx)
	}()

	if cfg.Metrics.Listen != "" {
		serveMetrics(gctx, g, cfg.Metrics.Listen, reg, query.New(st, col), logger)
	}

	logger.Info("collecting",
		zap.String("db", cfg.Store.Path),
		zap.Duration("interval", cfg.Collector.Interval),
		zap.Bool("synthetic", cfg.Capture.Synthetic))

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// openSource loads the kernel probes, or with capture.synthetic starts a
// generator feeding an in-process map.
func openSource(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zap.Logger) (capture.Source, error) {
	if cfg.Capture.Synthetic {
		m := capture.NewShardedMap(cfg.Capture.MaxEntries)
		gen := capture.NewGenerator(m, nil, 100*time.Millisecond, logger)
		g.Go(func() error { return gen.Run(ctx) })
		return m, nil
	}

	src, err := kprobe.Load(kprobe.Options{MaxEntries: cfg.Capture.MaxEntries}, logger)
	if err != nil {
		var attach *capture.AttachError
		if errors.As(err, &attach) {
			logger.Error("kernel hook unavailable; try --synthetic on hosts without kprobe support",
				zap.String("symbol", attach.Symbol), zap.Bool("return_probe", attach.Ret))
		}
		return nil, err
	}
	return src, nil
}

// serveMetrics serves /metrics and the collector's latest snapshot on
// /live. A listener that fails is logged; the collector keeps running.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, f *query.Facade, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/live", liveHandler(f, logger))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint unavailable", zap.String("addr", addr), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// liveHandler answers 204 until the first tick has run.
func liveHandler(f *query.Facade, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		view, ok := f.Current()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			logger.Debug("writing live view", zap.Error(err))
		}
	})
}
