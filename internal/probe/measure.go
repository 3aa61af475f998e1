package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/metrics"
	"codeberg.org/pwnderpants/streamrank/internal/source"
	"codeberg.org/pwnderpants/streamrank/internal/stats"
)

const (
	// DefaultHeadTimeout bounds each header-only request, independent of the probe budget
	DefaultHeadTimeout = 5 * time.Second
	// DefaultPlaylistTimeout bounds each playlist fetch
	DefaultPlaylistTimeout = 2 * time.Second
	// DefaultMaxRedirects is the number of redirect hops followed before giving up
	DefaultMaxRedirects = 10
)

// ErrTooManyRedirects is reported when a source redirects more than the allowed hops
var ErrTooManyRedirects = errors.New("too many redirects")

// Downloader performs one timed download
type Downloader interface {
	Download(ctx context.Context, url string, timeout time.Duration) (Sample, error)
}

// ResolutionProber extracts the video resolution of a stream, "" when unknown
type ResolutionProber interface {
	ProbeResolution(ctx context.Context, url string, timeout time.Duration) string
}

// Measurer runs the manifest and throughput pipeline for HTTP sources
type Measurer struct {
	client          *http.Client
	downloader      Downloader
	prober          ResolutionProber
	logger          *slog.Logger
	headTimeout     time.Duration
	playlistTimeout time.Duration
	maxRedirects    int
}

// Option configures a Measurer
type Option func(*Measurer)

// WithDownloader replaces the default unthrottled Sampler
func WithDownloader(d Downloader) Option {
	return func(m *Measurer) { m.downloader = d }
}

// WithProber sets the resolution prober used when resolution filtering is on
func WithProber(p ResolutionProber) Option {
	return func(m *Measurer) { m.prober = p }
}

// WithLogger sets the logger for step failures and download samples
func WithLogger(l *slog.Logger) Option {
	return func(m *Measurer) { m.logger = l }
}

// WithMaxRedirects overrides DefaultMaxRedirects
func WithMaxRedirects(n int) Option {
	return func(m *Measurer) { m.maxRedirects = n }
}

// WithHeadTimeout overrides DefaultHeadTimeout
func WithHeadTimeout(d time.Duration) Option {
	return func(m *Measurer) { m.headTimeout = d }
}

// WithPlaylistTimeout overrides DefaultPlaylistTimeout
func WithPlaylistTimeout(d time.Duration) Option {
	return func(m *Measurer) { m.playlistTimeout = d }
}

// NewMeasurer builds a Measurer on client. Without WithDownloader it samples
// through client with no rate limit.
func NewMeasurer(client *http.Client, opts ...Option) *Measurer {
	m := &Measurer{
		client:          client,
		headTimeout:     DefaultHeadTimeout,
		playlistTimeout: DefaultPlaylistTimeout,
		maxRedirects:    DefaultMaxRedirects,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.downloader == nil {
		m.downloader = NewSampler(client, 0)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	return m
}

// MeasureHTTP measures delay, speed and optionally resolution of an HTTP source.
// It never fails: every failed step leaves the corresponding fields unset.
func (m *Measurer) MeasureHTTP(ctx context.Context, rawURL string, filterResolution bool, timeout time.Duration) source.Result {
	target := EncodeURL(rawURL)

	var result source.Result

	for hop := 0; ; hop++ {
		header, err := FetchHeaders(ctx, target, m.client, m.headTimeout)
		if err != nil {
			m.stepFailed(target, err)
			break
		}

		location := header.Get("Location")
		if location == "" {
			result = m.measureTarget(ctx, target, header, timeout)
			break
		}

		if hop >= m.maxRedirects {
			m.stepFailed(target, source.Logical("redirect", ErrTooManyRedirects))
			return source.Result{Delay: source.Millis(source.Unreachable)}
		}

		next, err := resolveURL(target, location)
		if err != nil {
			m.stepFailed(target, source.Fail("redirect", err))
			return result
		}

		target = EncodeURL(next)
	}

	if filterResolution && result.Delay != nil && m.prober != nil {
		result.Resolution = m.prober.ProbeResolution(ctx, target, timeout)
	}

	return result
}

// measureTarget picks manifest sampling or a single download from the HEAD response
func (m *Measurer) measureTarget(ctx context.Context, target string, header http.Header, timeout time.Duration) source.Result {
	if IsManifest(header) {
		result, err := m.measureManifest(ctx, target, timeout)
		if err != nil {
			m.stepFailed(target, err)
		}

		return result
	}

	if header.Get("Content-Length") == "" {
		return source.Result{}
	}

	sample, err := m.downloader.Download(ctx, target, timeout)
	if err != nil {
		m.stepFailed(target, err)
	}

	m.sampled(target, sample)

	return sample.Result()
}

// measureManifest resolves a media playlist for target and samples its segments
func (m *Measurer) measureManifest(ctx context.Context, target string, timeout time.Duration) (source.Result, error) {
	playlist, err := FetchPlaylist(ctx, target, m.client, m.playlistTimeout)
	if err != nil {
		return source.Result{}, err
	}

	playlistURL := target

	// Master playlists are resolved through their first variant
	if playlist.Master != nil {
		variantURL, err := GetFirstVariantURL(playlist.Master, target)
		if err != nil {
			return source.Result{}, source.Logical("variant", err)
		}

		header, err := FetchHeaders(ctx, variantURL, m.client, m.headTimeout)
		if err != nil {
			return source.Result{}, err
		}

		if !IsManifest(header) {
			var result source.Result

			if header.Get("Content-Length") != "" {
				sample, err := m.downloader.Download(ctx, variantURL, timeout)
				if err != nil {
					m.stepFailed(variantURL, err)
				}

				m.sampled(variantURL, sample)

				result = sample.Result()
			}

			return result, source.Logical("variant", ErrNotPlaylist)
		}

		playlist, err = FetchPlaylist(ctx, variantURL, m.client, m.playlistTimeout)
		if err != nil {
			return source.Result{}, err
		}

		playlistURL = variantURL
	}

	segments, err := SegmentURLs(playlist.Media, playlistURL)
	if err != nil {
		return source.Result{}, source.Logical("segments", err)
	}

	return m.sampleSegments(ctx, segments, timeout), nil
}

// sampleSegments downloads segments in order until the time budget is spent.
// Segments that produced no bytes count as speed 0.
func (m *Measurer) sampleSegments(ctx context.Context, segments []string, timeout time.Duration) source.Result {
	var (
		speeds []float64
		delay  *int
	)

	start := time.Now()

	for _, segment := range segments {
		remaining := timeout - time.Since(start)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}

		sample, err := m.downloader.Download(ctx, segment, remaining)
		if err != nil {
			m.stepFailed(segment, err)
		}

		m.sampled(segment, sample)

		r := sample.Result()
		speeds = append(speeds, r.SpeedOr(0))

		if delay == nil && r.Delay != nil {
			delay = r.Delay
		}
	}

	return source.Result{
		Speed: source.Float(stats.Mean(speeds)),
		Delay: delay,
	}
}

// sampled logs the smoothed throughput of a download that returned bytes
func (m *Measurer) sampled(target string, sample Sample) {
	if sample.Bytes == 0 {
		return
	}

	m.logger.Debug("download sampled",
		slog.String("url", target),
		slog.Int64("bytes", sample.Bytes),
		slog.Duration("elapsed", sample.Elapsed),
		slog.Float64("smoothed_mbps", sample.SmoothedRate),
	)
}

func (m *Measurer) stepFailed(target string, err error) {
	var stepErr *source.StepError

	step := "unknown"
	if errors.As(err, &stepErr) {
		step = stepErr.Step
	}

	kind := source.Classify(err)

	metrics.StepFailuresTotal.WithLabelValues(step, kind.String()).Inc()

	m.logger.Debug("probe step failed",
		slog.String("url", target),
		slog.String("step", step),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
}

// Ping returns the milliseconds needed to fetch url's body, or source.Unreachable
// for a 404, an empty body, or any error.
func Ping(ctx context.Context, url string, client *http.Client, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	resp, _, err := FetchWithTrace(ctx, http.MethodGet, EncodeURL(url), client)
	if err != nil {
		return source.Unreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return source.Unreachable
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return source.Unreachable
	}

	return toMillis(time.Since(start))
}
