package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"codeberg.org/pwnderpants/streamrank/internal/cache"
	"codeberg.org/pwnderpants/streamrank/internal/probe"
	"codeberg.org/pwnderpants/streamrank/internal/source"
	"codeberg.org/pwnderpants/streamrank/internal/stats"
)

var (
	verbose         bool
	samples         int
	delay           time.Duration
	delayRandom     string
	excludeOutliers bool
	pingOnly        bool
	compare         bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Measure delay, speed and resolution of one source",
	Long: `probe measures a single source the same way rank does and prints the
result with a connection timing breakdown.

With --samples the measurement is repeated and aggregate statistics are
reported, optionally excluding outliers.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

// init configures the probe command flags
func init() {
	probeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every sample")
	probeCmd.Flags().IntVarP(&samples, "samples", "n", 1, "Number of measurement iterations")
	probeCmd.Flags().DurationVarP(&delay, "delay", "d", 5*time.Second, "Fixed delay between samples")
	probeCmd.Flags().StringVar(&delayRandom, "delay-random", "", "Randomized delay range (e.g., 2s-8s)")
	probeCmd.Flags().BoolVar(&excludeOutliers, "exclude-outliers", false, "Exclude outliers from average calculation")
	probeCmd.Flags().BoolVar(&pingOnly, "ping", false, "Only measure the delay of a full GET")
	probeCmd.Flags().BoolVar(&compare, "compare", false, "Compare HTTP/1.1-2 vs HTTP/3 measurements")
}

// measurement is one probe of the URL with its connection timings
type measurement struct {
	result source.Result
	trace  *probe.Trace
	// smoothed is the mean moving-average throughput of the downloads, MB/s
	smoothed float64
}

// rateRecorder keeps the smoothed throughput of every download that returned bytes
type rateRecorder struct {
	probe.Downloader

	mu    sync.Mutex
	rates []float64
}

// Download delegates to the wrapped downloader and records its smoothed rate
func (r *rateRecorder) Download(ctx context.Context, url string, timeout time.Duration) (probe.Sample, error) {
	sample, err := r.Downloader.Download(ctx, url, timeout)

	if sample.Bytes > 0 {
		r.mu.Lock()
		r.rates = append(r.rates, sample.SmoothedRate)
		r.mu.Unlock()
	}

	return sample, err
}

// smoothed returns the mean of the recorded rates, 0 without downloads
func (r *rateRecorder) smoothed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return stats.Mean(r.rates)
}

// runProbe executes single or multi-sample measurement of one URL
func runProbe(cmd *cobra.Command, args []string) error {
	url := args[0]
	out := cmd.OutOrStdout()

	// Validate samples flag
	if samples < 1 {
		return errors.New("samples must be at least 1")
	}

	// Parse delay-random if provided
	var minDelay, maxDelay time.Duration

	if delayRandom != "" {
		var err error

		minDelay, maxDelay, err = parseDelayRange(delayRandom)
		if err != nil {
			return fmt.Errorf("invalid delay-random format: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client := probe.NewClient(current.cfg.HTTP3)

	if pingOnly {
		millis := probe.Ping(ctx, url, client, current.timeout)
		fmt.Fprintf(out, "%s: %s\n", url, formatDelay(millis))

		return nil
	}

	if current.cfg.OpenFilterResolution {
		if err := current.prober().CheckFFprobe(); err != nil {
			current.logger.Warn("resolution probing disabled", slog.String("error", err.Error()))
		}
	}

	if compare {
		return runCompare(ctx, out, url)
	}

	measureOnce := func() measurement {
		return measureWith(ctx, url, client)
	}

	// Single sample mode
	if samples == 1 {
		printResult(out, url, measureOnce())
		return nil
	}

	// Multi-sample mode
	var allSamples []stats.Sample

	for i := 0; i < samples; i++ {
		if verbose {
			fmt.Fprintf(out, "\n── Sample %d/%d ──\n", i+1, samples)
		}

		m := measureOnce()
		allSamples = append(allSamples, toSample(m))

		if verbose {
			fmt.Fprintf(out, "  Delay: %s  Speed: %s\n", formatDelay(m.result.DelayOr(source.Unreachable)), formatSpeed(m.result.SpeedOr(0)))
		}

		// Apply delay between samples (skip after last sample)
		if i < samples-1 {
			sleepDuration := getDelay(minDelay, maxDelay)

			if verbose {
				fmt.Fprintf(out, "  Waiting %s before next sample...\n", sleepDuration)
			}

			select {
			case <-time.After(sleepDuration):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	printMultiSampleResults(out, url, allSamples)

	return nil
}

// measureWith probes url over client with an empty cache so it is measured afresh
func measureWith(ctx context.Context, url string, client *http.Client) measurement {
	target := source.ParseTarget(url).URL
	trace := traceConnection(ctx, target, client)
	recorder := &rateRecorder{Downloader: current.sampler(client)}
	result := current.dispatcherWith(cache.NewMemory(), client, recorder).Measure(ctx, target, current.options())

	return measurement{result: result, trace: trace, smoothed: recorder.smoothed()}
}

// traceConnection times connection setup to url; nil when the request failed
func traceConnection(ctx context.Context, url string, client *http.Client) *probe.Trace {
	ctx, cancel := context.WithTimeout(ctx, probe.DefaultHeadTimeout)
	defer cancel()

	resp, trace, err := probe.FetchWithTrace(ctx, http.MethodHead, probe.EncodeURL(url), client)
	if err != nil {
		return nil
	}
	resp.Body.Close()

	return trace
}

// toSample flattens a measurement for aggregation; unmeasured values count as 0
func toSample(m measurement) stats.Sample {
	sample := stats.Sample{
		DelayMS:      float64(max(m.result.DelayOr(0), 0)),
		SpeedMBps:    m.result.SpeedOr(0),
		SmoothedMBps: m.smoothed,
	}

	if m.trace != nil {
		sample.DNSLookupMS = ms(m.trace.DNSLookup)
		sample.TCPConnectMS = ms(m.trace.TCPConnect)
		sample.TLSMS = ms(m.trace.TLSHandshake + m.trace.QUICHandshake)
		sample.TTFBMS = ms(m.trace.TTFB)
	}

	return sample
}

// parseDelayRange parses a delay range string like "2s-8s"
func parseDelayRange(rangeStr string) (time.Duration, time.Duration, error) {
	parts := strings.Split(rangeStr, "-")

	if len(parts) != 2 {
		return 0, 0, errors.New("expected format: <min>-<max> (e.g., 2s-8s)")
	}

	minDelay, err := time.ParseDuration(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid min delay: %w", err)
	}

	maxDelay, err := time.ParseDuration(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid max delay: %w", err)
	}

	if minDelay > maxDelay {
		return 0, 0, errors.New("min delay cannot be greater than max delay")
	}

	return minDelay, maxDelay, nil
}

// getDelay returns the delay duration based on configuration
func getDelay(minDelay, maxDelay time.Duration) time.Duration {
	// Check if random delay is configured
	if minDelay > 0 || maxDelay > 0 {
		rangeNs := maxDelay.Nanoseconds() - minDelay.Nanoseconds()

		randomNs := rand.Int63n(rangeNs + 1)

		return minDelay + time.Duration(randomNs)
	}

	return delay
}

// printResult outputs one measurement with its timing breakdown
func printResult(w io.Writer, url string, m measurement) {
	r := m.result

	resolution := r.Resolution
	if resolution == "" {
		resolution = "unknown"
	}

	fmt.Fprintf(w, "streamrank results for: %s\n", url)
	fmt.Fprintln(w, "────────────────────────────────────────────────────")

	if m.trace != nil {
		fmt.Fprintf(w, "DNS Lookup:                  %12s\n", formatDuration(m.trace.DNSLookup))
		fmt.Fprintf(w, "TCP Connect:                 %12s\n", formatDuration(m.trace.TCPConnect))

		if m.trace.QUICHandshake > 0 {
			fmt.Fprintf(w, "QUIC Handshake:              %12s\n", formatDuration(m.trace.QUICHandshake))
		} else {
			fmt.Fprintf(w, "TLS Handshake:               %12s\n", formatDuration(m.trace.TLSHandshake))
		}

		fmt.Fprintf(w, "TTFB:                        %12s\n", formatDuration(m.trace.TTFB))
		fmt.Fprintln(w, "────────────────────────────────────────────────────")
	}

	if r.Delay == nil {
		fmt.Fprintf(w, "Delay:                       %12s\n", "unmeasured")
	} else {
		fmt.Fprintf(w, "Delay:                       %12s\n", formatDelay(*r.Delay))
	}

	if r.Speed == nil {
		fmt.Fprintf(w, "Speed:                       %12s\n", "unmeasured")
	} else {
		fmt.Fprintf(w, "Speed:                       %12s\n", formatSpeed(*r.Speed))
	}

	if m.smoothed > 0 {
		fmt.Fprintf(w, "Smoothed Speed:              %12s\n", formatSpeed(m.smoothed))
	}

	fmt.Fprintf(w, "Resolution:                  %12s\n", resolution)
}

// printMultiSampleResults outputs aggregate statistics for multiple samples
func printMultiSampleResults(w io.Writer, url string, allSamples []stats.Sample) {
	delays := stats.Extract(allSamples, func(s stats.Sample) float64 { return s.DelayMS })
	outliers := stats.DetectOutliers(delays)

	avgLabel := "Avg"

	if excludeOutliers && len(outliers) > 0 {
		avgLabel = "Avg*"
	}

	fmt.Fprintf(w, "\nstreamrank results for: %s (%d samples)\n", url, len(allSamples))
	fmt.Fprintln(w, "──────────────────────────────────────────────────────────────────────────────────")
	fmt.Fprintf(w, "%-20s %12s %12s %12s %12s %12s\n", "", avgLabel, "Min", "Max", "Median", "StdDev")
	fmt.Fprintln(w, "──────────────────────────────────────────────────────────────────────────────────")

	printStatRow(w, "DNS Lookup:", stats.Extract(allSamples, func(s stats.Sample) float64 { return s.DNSLookupMS }), outliers, formatMillis)
	printStatRow(w, "TCP Connect:", stats.Extract(allSamples, func(s stats.Sample) float64 { return s.TCPConnectMS }), outliers, formatMillis)
	printStatRow(w, "Handshake:", stats.Extract(allSamples, func(s stats.Sample) float64 { return s.TLSMS }), outliers, formatMillis)
	printStatRow(w, "TTFB:", stats.Extract(allSamples, func(s stats.Sample) float64 { return s.TTFBMS }), outliers, formatMillis)

	fmt.Fprintln(w, "──────────────────────────────────────────────────────────────────────────────────")

	printStatRow(w, "Delay:", delays, outliers, formatMillis)
	printStatRow(w, "Speed:", stats.Extract(allSamples, func(s stats.Sample) float64 { return s.SpeedMBps }), outliers, formatSpeed)
	printStatRow(w, "Smoothed Speed:", stats.Extract(allSamples, func(s stats.Sample) float64 { return s.SmoothedMBps }), outliers, formatSpeed)

	// Print outlier information
	if len(outliers) > 0 {
		fmt.Fprintln(w)

		if excludeOutliers {
			fmt.Fprint(w, "* Outliers excluded from average: ")
		} else {
			fmt.Fprint(w, "Outliers detected: ")
		}

		for i, o := range outliers {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}

			sign := "+"

			if o.Deviation < 0 {
				sign = ""
			}

			fmt.Fprintf(w, "sample %d (%s, %s%.1f%%)", o.Index+1, formatMillis(o.Value), sign, o.Deviation)
		}

		fmt.Fprintln(w)
	}
}

// printStatRow prints a single row of statistics
func printStatRow(w io.Writer, label string, values []float64, outliers []stats.Outlier, format func(float64) string) {
	valuesForStats := values

	if excludeOutliers && len(outliers) > 0 {
		valuesForStats = stats.ExcludeOutliers(values, outliers)
	}

	s := stats.ComputeStats(valuesForStats)

	fmt.Fprintf(w, "%-20s %12s %12s %12s %12s %12s\n",
		label,
		format(s.Mean),
		format(s.Min),
		format(s.Max),
		format(s.Median),
		format(s.StdDev),
	)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatMillis(v float64) string {
	return fmt.Sprintf("%.2fms", v)
}

func formatDelay(millis int) string {
	if millis == source.Unreachable {
		return "unreachable"
	}

	return fmt.Sprintf("%dms", millis)
}

func formatSpeed(mbps float64) string {
	if math.IsInf(mbps, 1) {
		return "unlimited"
	}

	return fmt.Sprintf("%.2fMB/s", mbps)
}
