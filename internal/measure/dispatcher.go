package measure

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codeberg.org/pwnderpants/streamrank/internal/cache"
	"codeberg.org/pwnderpants/streamrank/internal/decoder"
	"codeberg.org/pwnderpants/streamrank/internal/metrics"
	"codeberg.org/pwnderpants/streamrank/internal/source"
	"codeberg.org/pwnderpants/streamrank/internal/telemetry"
)

// Routes a probe can take
const (
	RouteCache = "cache"
	RouteIPv6  = "ipv6"
	RouteRTMP  = "rtmp"
	RouteHTTP  = "http"
)

// IPv6ProxyResolution is reported for sources trusted through the IPv6 proxy
const IPv6ProxyResolution = "1920x1080"

// HTTPMeasurer runs the manifest and download pipeline
type HTTPMeasurer interface {
	MeasureHTTP(ctx context.Context, rawURL string, filterResolution bool, timeout time.Duration) source.Result
}

// Prober queries an external decoder
type Prober interface {
	ProbeResolution(ctx context.Context, url string, timeout time.Duration) string
	ProbePlayback(ctx context.Context, url string, timeout time.Duration) (string, bool)
}

// Options are the per-probe settings
type Options struct {
	// IPv6Proxy trusts sources with an IPv6 literal host without measuring them
	IPv6Proxy        bool
	FilterResolution bool
	// MinResolution is the pixel count a cached entry must exceed to be reused
	MinResolution int
	Timeout       time.Duration
}

// Dispatcher routes each URL to the matching measurement and records the
// outcome in the shared cache.
type Dispatcher struct {
	store  cache.Store
	http   HTTPMeasurer
	prober Prober
	tracer trace.Tracer
	logger *slog.Logger
}

// New returns a Dispatcher; a nil logger uses slog.Default
func New(store cache.Store, http HTTPMeasurer, prober Prober, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:  store,
		http:   http,
		prober: prober,
		tracer: telemetry.Tracer(),
		logger: logger,
	}
}

// Measure probes raw, which may carry a "$cache:<key>" directive. It never
// fails: anything that goes wrong leaves fields of the result unset.
func (d *Dispatcher) Measure(ctx context.Context, raw string, opts Options) (result source.Result) {
	target := source.ParseTarget(raw)
	route := d.route(target.URL, opts)
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "probe.measure", trace.WithAttributes(
		attribute.String("probe.url", target.URL),
		attribute.String("probe.cache_key", target.CacheKey),
	))

	defer func() {
		// A panic in one probe must not take the batch down
		if rec := recover(); rec != nil {
			d.logger.Error("probe panicked",
				slog.String("url", target.URL),
				slog.String("panic", fmt.Sprint(rec)),
			)
			span.SetStatus(codes.Error, "panic")
			result = source.Result{}
		}

		span.SetAttributes(attribute.String("probe.route", route))
		span.End()

		metrics.ProbesTotal.WithLabelValues(route, outcome(result)).Inc()
		metrics.ProbeDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	// Reuse an equivalent source's measurement when one is good enough
	if target.CacheKey != "" {
		if cached, ok := cache.FindUsable(d.store, target.CacheKey, opts.MinResolution); ok {
			metrics.CacheHitsTotal.Inc()
			route = RouteCache

			return cached
		}

		metrics.CacheMissesTotal.Inc()
	}

	switch route {
	case RouteIPv6:
		result = source.Result{
			Speed:      source.Infinite(),
			Delay:      source.Millis(0),
			Resolution: IPv6ProxyResolution,
		}
	case RouteRTMP:
		result = d.measureRTMP(ctx, target.URL, opts.Timeout)
	default:
		result = d.http.MeasureHTTP(ctx, target.URL, opts.FilterResolution, opts.Timeout)
	}

	if target.CacheKey != "" {
		d.store.Append(target.CacheKey, result)
	}

	d.logger.Debug("probe finished",
		slog.String("url", target.URL),
		slog.String("route", route),
		slog.Float64("speed", result.SpeedOr(0)),
		slog.Int("delay", result.DelayOr(source.Unreachable)),
		slog.String("resolution", result.Resolution),
	)

	return result
}

func (d *Dispatcher) route(url string, opts Options) string {
	switch {
	case opts.IPv6Proxy && source.IsIPv6(url):
		return RouteIPv6
	case source.IsRTMP(url):
		return RouteRTMP
	default:
		return RouteHTTP
	}
}

// measureRTMP times how long the decoder needs to report a resolution. ffprobe
// is asked first and a short ffmpeg playback scan is the fallback.
func (d *Dispatcher) measureRTMP(ctx context.Context, url string, timeout time.Duration) source.Result {
	start := time.Now()

	resolution := d.prober.ProbeResolution(ctx, url, timeout)

	if resolution == "" && ctx.Err() == nil {
		if remaining := timeout - time.Since(start); remaining > 0 {
			if text, ok := d.prober.ProbePlayback(ctx, url, remaining); ok {
				if frames, res := decoder.ParsePlayback(text); frames > 0 {
					resolution = res
				}
			}
		}
	}

	result := source.Result{
		Delay:      source.Millis(int(math.Round(float64(time.Since(start)) / float64(time.Millisecond)))),
		Resolution: resolution,
		Speed:      source.Float(0),
	}

	if resolution != "" {
		result.Speed = source.Infinite()
	}

	return result
}

func outcome(r source.Result) string {
	switch {
	case r.Delay != nil && *r.Delay == source.Unreachable:
		return "unreachable"
	case r.SpeedOr(0) > 0:
		return "ok"
	case r.IsZero():
		return "failed"
	default:
		return "partial"
	}
}
