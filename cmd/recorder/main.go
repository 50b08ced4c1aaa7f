// recorder keeps a market stream subscribed and archives every application
// message into Postgres, exposing health and Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/cryptostream/internal/config"
	"github.com/rickgao/cryptostream/internal/database"
	"github.com/rickgao/cryptostream/internal/feed"
	"github.com/rickgao/cryptostream/internal/metrics"
	"github.com/rickgao/cryptostream/internal/router"
	"github.com/rickgao/cryptostream/internal/stream"
	"github.com/rickgao/cryptostream/internal/subscription"
	"github.com/rickgao/cryptostream/internal/version"
	"github.com/rickgao/cryptostream/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/recorder.yaml", "path to config file")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := newLogger(*logFormat)
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("recorder failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recorder stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mgr, err := feed.NewManager(cfg.Stream, logger)
	if err != nil {
		return err
	}

	var (
		promReg *prometheus.Registry
		m       *metrics.Registry
	)
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err = metrics.New(metrics.Config{
			Registerer:  promReg,
			ConstLabels: map[string]string{"instance_id": cfg.Instance.ID},
		})
		if err != nil {
			return err
		}
		mgr.AddObserver(m)
		if err := m.GaugeFunc("stream", "reconnect_attempts", "Reconnect attempts since the last successful open.",
			func() float64 { return float64(mgr.Attempts()) }); err != nil {
			return err
		}
	}

	subOpts := []subscription.Option{subscription.WithLogger(logger)}
	if m != nil {
		subOpts = append(subOpts,
			subscription.WithOnSubscribed(func(string) { m.SubscriptionAck(true) }),
			subscription.WithOnSubscriptionError(func(string, error) { m.SubscriptionAck(false) }),
		)
	}
	subs := subscription.New(mgr, cfg.Stream.Channels, subOpts...)
	defer subs.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// A terminal stream error ends the run.
	exhausted := make(chan error, 1)
	mgr.AddObserver(stream.ObserverFuncs{
		Error: func(err error) {
			var se *stream.Error
			if errors.As(err, &se) && se.Terminal() {
				select {
				case exhausted <- err:
				default:
				}
			}
		},
	})
	g.Go(func() error {
		select {
		case err := <-exhausted:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	var pool *pgxpool.Pool
	if cfg.Recorder.Enabled {
		pool, err = startRecorder(gctx, g, cfg, mgr, m, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: newHTTPHandler(cfg.Metrics.Path, promReg, mgr, subs, pingerOrNil(pool)),
		}
		g.Go(func() error {
			logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := startStream(g, cancel, func() error {
		return mgr.Start(feed.StreamConfig(cfg.Stream))
	}); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		mgr.Stop()
		return nil
	})

	logger.Info("recorder running",
		"url", cfg.Stream.URL,
		"channels", len(cfg.Stream.Channels),
		"session", mgr.SessionID(),
		"recording", cfg.Recorder.Enabled,
	)

	return g.Wait()
}

// startStream runs start. On failure it cancels the group and waits for its
// goroutines so deferred cleanup never races them.
func startStream(g *errgroup.Group, cancel context.CancelFunc, start func() error) error {
	err := start()
	if err == nil {
		return nil
	}
	cancel()
	return errors.Join(fmt.Errorf("start stream: %w", err), g.Wait())
}

// startRecorder connects the database and runs the router and writer
// until gctx is done.
func startRecorder(
	gctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	mgr *stream.Manager,
	m *metrics.Registry,
	logger *slog.Logger,
) (*pgxpool.Pool, error) {
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(gctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := writer.EnsureSchema(gctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database connected")

	rtr := router.NewRouter(router.Config{
		BufferSize:    min(router.DefaultConfig().BufferSize, cfg.Recorder.BufferSize),
		MaxBufferSize: cfg.Recorder.BufferSize,
	}, mgr.SessionID, logger)
	mgr.AddObserver(rtr)

	var opts []writer.Option
	if m != nil {
		opts = append(opts, writer.WithFlushObserver(m))
		if err := m.GaugeFunc("recorder", "buffered_records", "Records waiting to be written.",
			func() float64 { return float64(rtr.Buffer().Len()) }); err != nil {
			pool.Close()
			return nil, err
		}
	}

	w := writer.NewRecordWriter(writer.WriterConfig{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
	}, cfg.Instance.ID, rtr.Buffer(), pool, logger, opts...)

	if err := w.Start(gctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("start writer: %w", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		rtr.Close()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := w.Stop(stopCtx)

		rs := rtr.Stats()
		ws := w.Stats()
		logger.Info("recorder totals",
			"received", rs.MessagesReceived,
			"routed", rs.MessagesRouted,
			"dropped", rs.Buffer.Dropped,
			"parse_errors", rs.ParseErrors,
			"inserted", ws.Inserts,
			"insert_errors", ws.Errors,
		)
		return err
	})

	return pool, nil
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func pingerOrNil(pool *pgxpool.Pool) pinger {
	if pool == nil {
		return nil
	}
	return pool
}
