package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/metrics"
	"codeberg.org/pwnderpants/streamrank/internal/source"
)

const (
	// DefaultGrace is the wall-clock allowance on top of a probe timeout
	DefaultGrace = 2 * time.Second

	// pipeDrain bounds how long Wait keeps copying output after the process was killed
	pipeDrain = time.Second
)

var (
	ErrFFprobeNotFound = errors.New("ffprobe not found in PATH")
	ErrFFmpegNotFound  = errors.New("ffmpeg not found in PATH")
	ErrKilled          = errors.New("process killed after exceeding its time limit")
)

// Prober runs ffprobe and ffmpeg as bounded subprocesses
type Prober struct {
	ffprobe string
	ffmpeg  string
	grace   time.Duration
	logger  *slog.Logger
}

// Option configures a Prober
type Option func(*Prober)

// WithGrace overrides DefaultGrace
func WithGrace(d time.Duration) Option {
	return func(p *Prober) { p.grace = d }
}

// WithLogger sets the logger for subprocess failures
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// New returns a Prober for the given binaries; empty paths fall back to
// "ffprobe" and "ffmpeg" looked up in PATH.
func New(ffprobePath, ffmpegPath string, opts ...Option) *Prober {
	p := &Prober{
		ffprobe: ffprobePath,
		ffmpeg:  ffmpegPath,
		grace:   DefaultGrace,
	}

	if p.ffprobe == "" {
		p.ffprobe = "ffprobe"
	}

	if p.ffmpeg == "" {
		p.ffmpeg = "ffmpeg"
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// CheckFFprobe verifies that ffprobe is available
func (p *Prober) CheckFFprobe() error {
	if _, err := exec.LookPath(p.ffprobe); err != nil {
		return fmt.Errorf("%w: %s", ErrFFprobeNotFound, p.ffprobe)
	}

	return nil
}

// CheckFFmpeg verifies that ffmpeg is available
func (p *Prober) CheckFFmpeg() error {
	if _, err := exec.LookPath(p.ffmpeg); err != nil {
		return fmt.Errorf("%w: %s", ErrFFmpegNotFound, p.ffmpeg)
	}

	return nil
}

// Available reports whether both binaries can be found
func (p *Prober) Available() bool {
	return p.CheckFFprobe() == nil && p.CheckFFmpeg() == nil
}

// run executes binary with args and returns its combined stdout and stderr.
// The process is killed once timeout plus the grace period has elapsed or ctx
// is done, and it is always reaped before run returns.
func (p *Prober) run(ctx context.Context, timeout time.Duration, binary string, notFound error, args ...string) ([]byte, error) {
	name := filepath.Base(binary)

	// Do not spawn anything for an already canceled batch
	if err := ctx.Err(); err != nil {
		return nil, source.Fail("spawn", err)
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		metrics.SubprocessRunsTotal.WithLabelValues(name, "missing").Inc()
		return nil, source.Logical("spawn", fmt.Errorf("%w: %s", notFound, binary))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+p.grace)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = pipeDrain

	// CombinedOutput waits for the process on every path
	out, err := cmd.CombinedOutput()

	switch {
	case ctx.Err() != nil:
		metrics.SubprocessRunsTotal.WithLabelValues(name, "killed").Inc()

		p.logger.Debug("subprocess killed",
			slog.String("binary", name),
			slog.Duration("limit", timeout+p.grace),
		)

		if errors.Is(ctx.Err(), context.Canceled) {
			return out, source.Fail("wait", ctx.Err())
		}

		return out, source.Fail("wait", fmt.Errorf("%w: %w", ErrKilled, context.DeadlineExceeded))

	case err != nil:
		metrics.SubprocessRunsTotal.WithLabelValues(name, "failed").Inc()
		return out, source.Logical("wait", fmt.Errorf("%s failed: %w", name, err))
	}

	metrics.SubprocessRunsTotal.WithLabelValues(name, "ok").Inc()

	return out, nil
}

// seconds renders d as a whole number of seconds for ffmpeg's -t, at least 1
func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}

	return fmt.Sprintf("%d", s)
}
