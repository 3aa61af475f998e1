package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/VividCortex/ewma"
	"golang.org/x/time/rate"

	"codeberg.org/pwnderpants/streamrank/internal/metrics"
	"codeberg.org/pwnderpants/streamrank/internal/source"
)

const (
	bytesPerMB     = 1024 * 1024
	readBufferSize = 32 * 1024
)

// Sample is the outcome of one timed download
type Sample struct {
	Bytes   int64
	Delay   time.Duration // request start until response headers
	Elapsed time.Duration // request start until the body stopped
	// SmoothedRate is an EWMA of per-read throughput in MB/s
	SmoothedRate float64
	Trace        *Trace
}

// Result converts the sample to a measurement; nothing is set without body bytes
func (s Sample) Result() source.Result {
	if s.Bytes <= 0 || s.Elapsed <= 0 {
		return source.Result{}
	}

	return source.Result{
		Speed: source.Float(float64(s.Bytes) / s.Elapsed.Seconds() / bytesPerMB),
		Delay: source.Millis(toMillis(s.Delay)),
	}
}

// Sampler performs timed downloads to estimate delay and bandwidth
type Sampler struct {
	client      *http.Client
	rateLimitMB float64
}

// NewSampler returns a Sampler; rateLimitMB <= 0 disables throttling
func NewSampler(client *http.Client, rateLimitMB float64) *Sampler {
	return &Sampler{client: client, rateLimitMB: rateLimitMB}
}

// Download streams url until EOF, error, or timeout and reports what arrived.
// A body cut short by the timeout still yields a sample.
func (s *Sampler) Download(ctx context.Context, url string, timeout time.Duration) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	resp, trace, err := FetchWithTrace(ctx, http.MethodGet, url, s.client)
	if err != nil {
		return Sample{}, source.Fail("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Sample{}, source.Logical("download", fmt.Errorf("download returned status %d", resp.StatusCode))
	}

	sample := Sample{Delay: time.Since(start), Trace: trace}

	var limiter *rate.Limiter

	if s.rateLimitMB > 0 {
		limit := s.rateLimitMB * bytesPerMB
		limiter = rate.NewLimiter(rate.Limit(limit), max(int(limit), readBufferSize))
	}

	avg := ewma.NewMovingAverage()
	buffer := make([]byte, readBufferSize)
	lastRead := time.Now()

	var readErr error

	for {
		if limiter != nil {
			if err := limiter.WaitN(ctx, len(buffer)); err != nil {
				readErr = err
				break
			}
		}

		n, err := resp.Body.Read(buffer)

		if n > 0 {
			now := time.Now()
			sample.Bytes += int64(n)

			if gap := now.Sub(lastRead).Seconds(); gap > 0 {
				avg.Add(float64(n) / gap / bytesPerMB)
			}

			lastRead = now
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}

			break
		}
	}

	sample.Elapsed = time.Since(start)
	sample.SmoothedRate = avg.Value()

	metrics.DownloadBytesTotal.Add(float64(sample.Bytes))

	if sample.Bytes == 0 && readErr != nil {
		return sample, source.Fail("read", readErr)
	}

	return sample, nil
}

func toMillis(d time.Duration) int {
	return int(math.Round(float64(d) / float64(time.Millisecond)))
}
