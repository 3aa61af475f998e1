package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"codeberg.org/pwnderpants/streamrank/internal/cache"
	"codeberg.org/pwnderpants/streamrank/internal/config"
	"codeberg.org/pwnderpants/streamrank/internal/decoder"
	"codeberg.org/pwnderpants/streamrank/internal/measure"
	"codeberg.org/pwnderpants/streamrank/internal/metrics"
	"codeberg.org/pwnderpants/streamrank/internal/probe"
	"codeberg.org/pwnderpants/streamrank/internal/telemetry"
)

var (
	configPath  string
	timeout     time.Duration
	logLevel    string
	logFormat   string
	metricsAddr string
	useHTTP3    bool
	ipv6Proxy   string
)

// current is the environment prepared for the running command
var current *app

var rootCmd = &cobra.Command{
	Use:   "streamrank",
	Short: "Probe and rank IPTV stream sources",
	Long: `streamrank measures delay, throughput and resolution of IPTV sources.

HTTP sources are sampled through their HLS playlists or a timed download,
RTMP sources through ffprobe/ffmpeg. Candidates of each channel are then
filtered by speed and resolution and ordered best first.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// init configures the global flags
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Per-probe time budget (overrides sort_timeout)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&useHTTP3, "http3", false, "Use HTTP/3 for HTTP sources")
	rootCmd.PersistentFlags().StringVar(&ipv6Proxy, "ipv6-proxy", "", "IPv6 proxy; sources on IPv6 hosts are trusted without measuring")

	rootCmd.AddCommand(probeCmd, rankCmd, checkCmd)
}

// app holds what every command needs once flags and config are resolved
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	timeout       time.Duration
	shutdownTrace func(context.Context) error
	metricsServer *http.Server
}

// setup loads the configuration and starts logging, tracing and metrics
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, timeout: cfg.Timeout()}

	if cmd.Flags().Changed("timeout") {
		a.timeout = timeout
	}

	a.shutdownTrace, err = telemetry.Init(cmd.Context())
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
		a.shutdownTrace = func(context.Context) error { return nil }
	}

	if cfg.MetricsAddr != "" {
		a.metricsServer = serveMetrics(cfg.MetricsAddr, logger)
	}

	current = a

	return nil
}

// applyFlags lets explicitly set flags win over the file and environment
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("timeout") {
		cfg.SortTimeout = max(1, int(timeout.Round(time.Second)/time.Second))
	}

	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}

	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}

	if flags.Changed("http3") {
		cfg.HTTP3 = useHTTP3
	}

	if flags.Changed("ipv6-proxy") {
		cfg.IPv6Proxy = ipv6Proxy
	}
}

// teardown flushes traces and stops the metrics endpoint
func teardown(cmd *cobra.Command, args []string) error {
	if current == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error

	if current.metricsServer != nil {
		errs = append(errs, current.metricsServer.Shutdown(ctx))
	}

	errs = append(errs, current.shutdownTrace(ctx))

	return errors.Join(errs...)
}

// serveMetrics exposes the Prometheus registry on addr in the background
func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	return server
}

// prober returns the decoder configured for this run
func (a *app) prober() *decoder.Prober {
	return decoder.New(a.cfg.FFprobePath, a.cfg.FFmpegPath, decoder.WithLogger(a.logger))
}

// sampler returns the download sampler configured for this run
func (a *app) sampler(client *http.Client) *probe.Sampler {
	return probe.NewSampler(client, a.cfg.DownloadRateLimitMB)
}

// dispatcher wires transport, sampler, decoder and store into a probe dispatcher
func (a *app) dispatcher(store cache.Store) *measure.Dispatcher {
	client := probe.NewClient(a.cfg.HTTP3)

	return a.dispatcherWith(store, client, a.sampler(client))
}

// dispatcherWith is dispatcher over an explicit HTTP client and downloader
func (a *app) dispatcherWith(store cache.Store, client *http.Client, downloader probe.Downloader) *measure.Dispatcher {
	prober := a.prober()

	measurer := probe.NewMeasurer(client,
		probe.WithDownloader(downloader),
		probe.WithProber(prober),
		probe.WithLogger(a.logger),
		probe.WithMaxRedirects(a.cfg.MaxRedirects),
	)

	return measure.New(store, measurer, prober, a.logger)
}

// options returns the per-probe settings for this run
func (a *app) options() measure.Options {
	return measure.Options{
		IPv6Proxy:        a.cfg.UseIPv6Proxy(),
		FilterResolution: a.cfg.OpenFilterResolution,
		MinResolution:    a.cfg.MinResolutionValue(),
		Timeout:          a.timeout,
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// formatDuration formats a duration as milliseconds with 2 decimal places
func formatDuration(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)

	return fmt.Sprintf("%.2fms", ms)
}
