package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/internal/devseed"
	"github.com/saber71/backend-storage/internal/loggingutil"
	"github.com/saber71/backend-storage/pkg/storage/mock"
)

const (
	addrKey      = "addr"
	seedKey      = "seed"
	watchSeedKey = "watch-seed"
	latencyKey   = "latency"
	failKey      = "fail"
	metricsKey   = "metrics"
	logLevelKey  = "log-level"

	shutdownTimeout = 5 * time.Second
)

type sandboxConfig struct {
	addr      string
	seed      string
	watchSeed bool
	latency   time.Duration
	fail      string
	metrics   bool
	logLevel  string
}

// runSandboxFn is swapped in tests to capture the resolved configuration.
var runSandboxFn = runSandbox

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "storage-sandbox",
		Short:        "Serve the in-memory storage service over HTTP",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sandboxConfig{
				addr:      v.GetString(addrKey),
				seed:      v.GetString(seedKey),
				watchSeed: v.GetBool(watchSeedKey),
				latency:   v.GetDuration(latencyKey),
				fail:      v.GetString(failKey),
				metrics:   v.GetBool(metricsKey),
				logLevel:  v.GetString(logLevelKey),
			}
			return runSandboxFn(cmd.Context(), cfg, baseLogger, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String(addrKey, ":10001", "listen address")
	flags.String(seedKey, "", "path to a JSON or YAML seed file")
	flags.Bool(watchSeedKey, false, "reload the seed file when it changes")
	flags.Duration(latencyKey, 0, "artificial latency to inject per request")
	flags.String(failKey, "", "failure injection (rate=<float>,code=<httpStatus>)")
	flags.Bool(metricsKey, false, "serve Prometheus metrics on /metrics")
	flags.String(logLevelKey, "", "log level (trace|debug|info|warn|error|none)")

	mustBindFlag(v, addrKey, "STORAGE_SANDBOX_ADDR", flags.Lookup(addrKey))
	mustBindFlag(v, seedKey, "STORAGE_MOCK_SEED", flags.Lookup(seedKey))
	mustBindFlag(v, watchSeedKey, "STORAGE_SANDBOX_WATCH_SEED", flags.Lookup(watchSeedKey))
	mustBindFlag(v, latencyKey, "STORAGE_SANDBOX_LATENCY", flags.Lookup(latencyKey))
	mustBindFlag(v, failKey, "STORAGE_SANDBOX_FAIL", flags.Lookup(failKey))
	mustBindFlag(v, metricsKey, "STORAGE_SANDBOX_METRICS", flags.Lookup(metricsKey))
	mustBindFlag(v, logLevelKey, "STORAGE_SANDBOX_LOG_LEVEL", flags.Lookup(logLevelKey))
	return cmd
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func runSandbox(ctx context.Context, cfg sandboxConfig, baseLogger pslog.Logger, out io.Writer) error {
	logger, err := loggingutil.ApplyLevel(baseLogger, cfg.logLevel)
	if err != nil {
		return err
	}
	logger = loggingutil.WithSubsystem(logger, "sandbox")

	failCfg, err := parseFailConfig(cfg.fail)
	if err != nil {
		return fmt.Errorf("parse fail flag: %w", err)
	}
	if cfg.watchSeed && strings.TrimSpace(cfg.seed) == "" {
		return errors.New("--watch-seed requires --seed")
	}

	installPropagator()
	var (
		meterProvider  metric.MeterProvider
		metricsHandler http.Handler
	)
	if cfg.metrics {
		bundle, err := setupMetrics(ctx, logger)
		if err != nil {
			return err
		}
		defer bundle.Shutdown(context.Background())
		meterProvider = bundle.provider
		metricsHandler = bundle.handler
	}

	server := mock.New(mock.WithLogger(logger), mock.WithMeterProvider(meterProvider))
	if cfg.seed != "" {
		if err := loadSeed(server, cfg.seed); err != nil {
			return err
		}
	}
	if cfg.watchSeed {
		stop, err := watchSeed(ctx, server, cfg.seed, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.addr, err)
	}
	srv := &http.Server{
		Handler:           newHandler(server, cfg.latency, failCfg, logger, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("sandbox.listening", "addr", ln.Addr().String(), "metrics", cfg.metrics, "seed", cfg.seed)
	printEnvHint(out, ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("sandbox.stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// newHandler mounts the storage routes behind latency and failure injection.
func newHandler(server http.Handler, delay time.Duration, failCfg failConfig, logger pslog.Logger, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/storage/", withMiddleware(delay, failCfg, logger, server))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return otelhttp.NewHandler(mux, "storage-sandbox")
}

func loadSeed(server *mock.Server, path string) error {
	seeds, err := devseed.Load(path)
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	if err := server.Seed(seeds); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}

func printEnvHint(out io.Writer, addr net.Addr) {
	host := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		host = fmt.Sprintf("localhost:%d", tcp.Port)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "export STORAGE_RUNTIME_MODE=http")
	fmt.Fprintf(out, "export STORAGE_BASE_URL=http://%s\n", host)
	fmt.Fprintln(out)
}
