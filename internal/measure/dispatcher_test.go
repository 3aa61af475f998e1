package measure

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/cache"
	"codeberg.org/pwnderpants/streamrank/internal/probe"
	"codeberg.org/pwnderpants/streamrank/internal/source"
)

type fakeHTTP struct {
	calls  atomic.Int32
	result source.Result
	panics bool
}

func (f *fakeHTTP) MeasureHTTP(ctx context.Context, rawURL string, filterResolution bool, timeout time.Duration) source.Result {
	f.calls.Add(1)
	if f.panics {
		panic("decoder blew up")
	}

	return f.result
}

type fakeProber struct {
	resolution string
	playback   string
	probes     atomic.Int32
	playbacks  atomic.Int32
}

func (f *fakeProber) ProbeResolution(ctx context.Context, url string, timeout time.Duration) string {
	f.probes.Add(1)
	return f.resolution
}

func (f *fakeProber) ProbePlayback(ctx context.Context, url string, timeout time.Duration) (string, bool) {
	f.playbacks.Add(1)
	return f.playback, f.playback != ""
}

func defaultOptions() Options {
	return Options{FilterResolution: true, MinResolution: source.ResolutionValue("1280x720"), Timeout: time.Second}
}

func TestMeasureCacheShortCircuit(t *testing.T) {
	store := cache.NewMemory()
	cached := source.Result{Speed: source.Float(4), Delay: source.Millis(40), Resolution: "1920x1080"}
	store.Append("cctv1", source.Result{Speed: source.Float(9), Delay: source.Millis(source.Unreachable), Resolution: "1920x1080"})
	store.Append("cctv1", cached)

	httpm := &fakeHTTP{}
	prober := &fakeProber{}
	d := New(store, httpm, prober, nil)

	got := d.Measure(context.Background(), "http://a.test/live.m3u8$cache:cctv1", defaultOptions())

	if got.Speed != cached.Speed || got.Delay != cached.Delay || got.Resolution != cached.Resolution {
		t.Fatalf("Measure = %+v, want the cached entry", got)
	}
	if httpm.calls.Load() != 0 || prober.probes.Load() != 0 {
		t.Fatal("cache hit still probed the source")
	}
	if n := len(store.Get("cctv1")); n != 2 {
		t.Fatalf("cache hit appended, bucket has %d entries", n)
	}
}

func TestMeasureAppendsEveryOutcome(t *testing.T) {
	store := cache.NewMemory()
	httpm := &fakeHTTP{result: source.Result{Delay: source.Millis(source.Unreachable)}}
	d := New(store, httpm, &fakeProber{}, nil)

	for i := 0; i < 2; i++ {
		d.Measure(context.Background(), "http://a.test/live.m3u8$cache:k", defaultOptions())
	}

	if httpm.calls.Load() != 2 {
		t.Fatalf("MeasureHTTP called %d times", httpm.calls.Load())
	}
	if n := len(store.Get("k")); n != 2 {
		t.Fatalf("bucket has %d entries, want 2", n)
	}
}

func TestMeasureNotFoundWithoutCacheKey(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	store := cache.NewMemory()
	d := New(store, probe.NewMeasurer(server.Client()), &fakeProber{resolution: "1920x1080"}, nil)

	got := d.Measure(context.Background(), server.URL+"/missing.ts", defaultOptions())

	if got.Speed != nil || got.Delay != nil {
		t.Fatalf("Measure = %+v, want unset speed and delay", got)
	}
	if store.Len() != 0 {
		t.Fatal("cache written without a cache key")
	}
}

func TestMeasureRTMP(t *testing.T) {
	tests := []struct {
		name       string
		prober     *fakeProber
		wantSpeed  float64
		resolution string
		playbacks  int32
	}{
		{
			name:       "ffprobe resolution",
			prober:     &fakeProber{resolution: "1920x1080"},
			wantSpeed:  math.Inf(1),
			resolution: "1920x1080",
		},
		{
			name:       "playback fallback",
			prober:     &fakeProber{playback: "Video: h264, 1280x720\nframe=  120 fps=30"},
			wantSpeed:  math.Inf(1),
			resolution: "1280x720",
			playbacks:  1,
		},
		{
			name:      "no frames",
			prober:    &fakeProber{playback: "Connection refused"},
			wantSpeed: 0,
			playbacks: 1,
		},
		{
			name:      "decoder failed",
			prober:    &fakeProber{},
			wantSpeed: 0,
			playbacks: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpm := &fakeHTTP{}
			d := New(cache.NewMemory(), httpm, tt.prober, nil)

			got := d.Measure(context.Background(), "rtmp://host/stream", defaultOptions())

			if got.Speed == nil || *got.Speed != tt.wantSpeed {
				t.Fatalf("speed = %v, want %v", got.Speed, tt.wantSpeed)
			}
			if got.Delay == nil || *got.Delay < 0 {
				t.Fatalf("delay = %v, want measured milliseconds", got.Delay)
			}
			if got.Resolution != tt.resolution {
				t.Fatalf("resolution = %q, want %q", got.Resolution, tt.resolution)
			}
			if tt.prober.playbacks.Load() != tt.playbacks {
				t.Fatalf("playback probes = %d, want %d", tt.prober.playbacks.Load(), tt.playbacks)
			}
			if httpm.calls.Load() != 0 {
				t.Fatal("rtmp source went through the http pipeline")
			}
		})
	}
}

func TestMeasureIPv6Proxy(t *testing.T) {
	httpm := &fakeHTTP{}
	d := New(cache.NewMemory(), httpm, &fakeProber{}, nil)

	opts := defaultOptions()
	opts.IPv6Proxy = true

	got := d.Measure(context.Background(), "http://[2001:db8::1]:8080/live.m3u8", opts)

	if got.Speed == nil || !math.IsInf(*got.Speed, 1) || got.Delay == nil || *got.Delay != 0 || got.Resolution != IPv6ProxyResolution {
		t.Fatalf("Measure = %+v", got)
	}
	if httpm.calls.Load() != 0 {
		t.Fatal("proxied source was measured")
	}

	opts.IPv6Proxy = false
	d.Measure(context.Background(), "http://[2001:db8::1]:8080/live.m3u8", opts)

	if httpm.calls.Load() != 1 {
		t.Fatal("ipv6 source without proxy was not measured")
	}
}

func TestMeasureRecoversFromPanic(t *testing.T) {
	store := cache.NewMemory()
	d := New(store, &fakeHTTP{panics: true}, &fakeProber{}, nil)

	got := d.Measure(context.Background(), "http://a.test/live.m3u8$cache:k", defaultOptions())

	if !got.IsZero() {
		t.Fatalf("Measure = %+v, want zero result", got)
	}
}
