package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/source"
)

type fakeDownloader struct {
	mu      sync.Mutex
	samples map[string]Sample
	delay   time.Duration
	calls   []string
}

func (f *fakeDownloader) Download(ctx context.Context, url string, timeout time.Duration) (Sample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path.Base(url))
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	s, ok := f.samples[path.Base(url)]
	if !ok {
		return Sample{}, source.Logical("download", errors.New("no such sample"))
	}

	return s, nil
}

func (f *fakeDownloader) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

type fakeResolutionProber struct {
	resolution string
	urls       []string
}

func (f *fakeResolutionProber) ProbeResolution(ctx context.Context, url string, timeout time.Duration) string {
	f.urls = append(f.urls, url)
	return f.resolution
}

func segmentSamples() map[string]Sample {
	return map[string]Sample{
		"seg1.ts": {Bytes: 1 * bytesPerMB, Elapsed: time.Second, Delay: 50 * time.Millisecond},
		"seg2.ts": {Bytes: 2 * bytesPerMB, Elapsed: time.Second, Delay: 70 * time.Millisecond},
		"seg3.ts": {Bytes: 3 * bytesPerMB, Elapsed: time.Second, Delay: 90 * time.Millisecond},
	}
}

func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live/index.m3u8", "/tv/variant/index.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, mediaPlaylist)
		case "/tv/master.m3u8":
			w.Header().Set("Content-Type", "application/x-mpegURL")
			fmt.Fprint(w, masterPlaylist)
		case "/old":
			http.Redirect(w, r, "/live/index.m3u8", http.StatusMovedPermanently)
		case "/loop":
			http.Redirect(w, r, "/loop", http.StatusFound)
		case "/file.ts":
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Content-Length", "1048576")
		case "/raw/master.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nstream.ts\n")
		case "/raw/stream.ts":
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Content-Length", "4")
		case "/bare/master.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nnolength.ts\n")
		case "/bare/nolength.ts":
			w.Header().Set("Content-Type", "video/mp2t")
		case "/empty.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func TestMeasureHTTPManifestAveragesSegments(t *testing.T) {
	server := newStreamServer(t)
	downloader := &fakeDownloader{samples: segmentSamples()}
	m := NewMeasurer(server.Client(), WithDownloader(downloader))

	result := m.MeasureHTTP(context.Background(), server.URL+"/live/index.m3u8", false, 10*time.Second)

	if result.Speed == nil || *result.Speed != 2.0 {
		t.Fatalf("speed = %v, want 2.0", result.Speed)
	}
	if result.Delay == nil || *result.Delay != 50 {
		t.Fatalf("delay = %v, want 50", result.Delay)
	}
	if result.Resolution != "" {
		t.Fatalf("resolution probed while filtering disabled: %q", result.Resolution)
	}
	if got := downloader.called(); len(got) != 3 {
		t.Fatalf("downloaded %v", got)
	}
}

func TestMeasureHTTPFailedSegmentCountsAsZero(t *testing.T) {
	server := newStreamServer(t)
	samples := segmentSamples()
	delete(samples, "seg1.ts")
	m := NewMeasurer(server.Client(), WithDownloader(&fakeDownloader{samples: samples}))

	result := m.MeasureHTTP(context.Background(), server.URL+"/live/index.m3u8", false, 10*time.Second)

	if result.Speed == nil || *result.Speed != 5.0/3.0 {
		t.Fatalf("speed = %v, want 5/3", result.Speed)
	}
	if result.Delay == nil || *result.Delay != 70 {
		t.Fatalf("delay = %v, want first available delay 70", result.Delay)
	}
}

func TestMeasureHTTPStopsAtBudget(t *testing.T) {
	server := newStreamServer(t)
	downloader := &fakeDownloader{samples: segmentSamples(), delay: 150 * time.Millisecond}
	m := NewMeasurer(server.Client(), WithDownloader(downloader))

	result := m.MeasureHTTP(context.Background(), server.URL+"/live/index.m3u8", false, 100*time.Millisecond)

	if got := downloader.called(); len(got) != 1 {
		t.Fatalf("expected a single segment inside the budget, got %v", got)
	}
	if result.Speed == nil || *result.Speed != 1.0 {
		t.Fatalf("speed = %v, want 1.0", result.Speed)
	}
}

func TestMeasureHTTPMasterPlaylist(t *testing.T) {
	server := newStreamServer(t)
	m := NewMeasurer(server.Client(), WithDownloader(&fakeDownloader{samples: segmentSamples()}))

	result := m.MeasureHTTP(context.Background(), server.URL+"/tv/master.m3u8", false, 10*time.Second)

	if result.Speed == nil || *result.Speed != 2.0 {
		t.Fatalf("speed = %v, want 2.0", result.Speed)
	}
}

func TestMeasureHTTPMasterVariantNotPlaylist(t *testing.T) {
	server := newStreamServer(t)

	tests := []struct {
		name      string
		path      string
		wantSpeed float64
		wantDelay int
		wantCalls int
		unset     bool
	}{
		{name: "content length samples the variant", path: "/raw/master.m3u8", wantSpeed: 2.0, wantDelay: 30, wantCalls: 1},
		{name: "no content length measures nothing", path: "/bare/master.m3u8", unset: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			downloader := &fakeDownloader{samples: map[string]Sample{
				"stream.ts":   {Bytes: 4 * bytesPerMB, Elapsed: 2 * time.Second, Delay: 30 * time.Millisecond},
				"nolength.ts": {Bytes: 4 * bytesPerMB, Elapsed: 2 * time.Second, Delay: 30 * time.Millisecond},
			}}
			m := NewMeasurer(server.Client(), WithDownloader(downloader))

			result := m.MeasureHTTP(context.Background(), server.URL+tt.path, false, 10*time.Second)

			if got := len(downloader.called()); got != tt.wantCalls {
				t.Fatalf("downloads = %d, want %d", got, tt.wantCalls)
			}
			if tt.unset {
				if !result.IsZero() {
					t.Fatalf("expected nothing measured, got %+v", result)
				}
				return
			}
			if result.Speed == nil || *result.Speed != tt.wantSpeed {
				t.Fatalf("speed = %v, want %v", result.Speed, tt.wantSpeed)
			}
			if result.Delay == nil || *result.Delay != tt.wantDelay {
				t.Fatalf("delay = %v, want %v", result.Delay, tt.wantDelay)
			}
		})
	}
}

func TestMeasureHTTPFollowsRedirect(t *testing.T) {
	server := newStreamServer(t)
	prober := &fakeResolutionProber{resolution: "1920x1080"}
	m := NewMeasurer(server.Client(),
		WithDownloader(&fakeDownloader{samples: segmentSamples()}),
		WithProber(prober),
	)

	result := m.MeasureHTTP(context.Background(), server.URL+"/old", true, 10*time.Second)

	if result.Speed == nil || *result.Speed != 2.0 {
		t.Fatalf("speed = %v, want 2.0", result.Speed)
	}
	if result.Resolution != "1920x1080" {
		t.Fatalf("resolution = %q", result.Resolution)
	}
	if len(prober.urls) != 1 || prober.urls[0] != server.URL+"/live/index.m3u8" {
		t.Fatalf("resolution probed on %v, want the redirect target", prober.urls)
	}
}

func TestMeasureHTTPRedirectLoopFailsClosed(t *testing.T) {
	var heads atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heads.Add(1)
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	prober := &fakeResolutionProber{resolution: "1920x1080"}
	m := NewMeasurer(server.Client(), WithMaxRedirects(3), WithProber(prober))

	result := m.MeasureHTTP(context.Background(), server.URL+"/loop", true, time.Second)

	if result.Delay == nil || *result.Delay != source.Unreachable {
		t.Fatalf("delay = %v, want unreachable", result.Delay)
	}
	if result.Speed != nil {
		t.Fatalf("speed = %v, want unset", *result.Speed)
	}
	if got := heads.Load(); got != 4 {
		t.Fatalf("HEAD requests = %d, want 4", got)
	}
	if len(prober.urls) != 0 {
		t.Fatal("resolution probed after redirect failure")
	}
}

func TestMeasureHTTPNotFound(t *testing.T) {
	server := newStreamServer(t)
	prober := &fakeResolutionProber{resolution: "1920x1080"}
	m := NewMeasurer(server.Client(), WithProber(prober))

	result := m.MeasureHTTP(context.Background(), server.URL+"/gone.ts", true, time.Second)

	if result.Speed != nil || result.Delay != nil {
		t.Fatalf("expected unset speed and delay, got %+v", result)
	}
	if len(prober.urls) != 0 {
		t.Fatal("resolution probed without a delay")
	}
}

func TestMeasureHTTPPlainDownload(t *testing.T) {
	server := newStreamServer(t)
	downloader := &fakeDownloader{samples: map[string]Sample{
		"file.ts": {Bytes: 4 * bytesPerMB, Elapsed: 2 * time.Second, Delay: 30 * time.Millisecond},
	}}
	m := NewMeasurer(server.Client(), WithDownloader(downloader))

	result := m.MeasureHTTP(context.Background(), server.URL+"/file.ts", false, time.Second)

	if result.Speed == nil || *result.Speed != 2.0 {
		t.Fatalf("speed = %v, want 2.0", result.Speed)
	}
	if result.Delay == nil || *result.Delay != 30 {
		t.Fatalf("delay = %v, want 30", result.Delay)
	}
}

func TestMeasureHTTPEmptyManifest(t *testing.T) {
	server := newStreamServer(t)
	downloader := &fakeDownloader{samples: segmentSamples()}
	m := NewMeasurer(server.Client(), WithDownloader(downloader))

	result := m.MeasureHTTP(context.Background(), server.URL+"/empty.m3u8", false, time.Second)

	if !result.IsZero() {
		t.Fatalf("expected nothing measured, got %+v", result)
	}
	if len(downloader.called()) != 0 {
		t.Fatal("segments downloaded for an empty playlist")
	}
}

func TestMeasureHTTPCanceled(t *testing.T) {
	server := newStreamServer(t)
	downloader := &fakeDownloader{samples: segmentSamples()}
	m := NewMeasurer(server.Client(), WithDownloader(downloader))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := m.MeasureHTTP(ctx, server.URL+"/live/index.m3u8", false, time.Second)

	if !result.IsZero() {
		t.Fatalf("expected nothing measured, got %+v", result)
	}
	if len(downloader.called()) != 0 {
		t.Fatal("download started after cancellation")
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, "payload")
		case "/empty":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	if got := Ping(context.Background(), server.URL+"/ok", server.Client(), time.Second); got < 0 {
		t.Fatalf("Ping(ok) = %d", got)
	}
	if got := Ping(context.Background(), server.URL+"/empty", server.Client(), time.Second); got != source.Unreachable {
		t.Fatalf("Ping(empty) = %d", got)
	}
	if got := Ping(context.Background(), server.URL+"/missing", server.Client(), time.Second); got != source.Unreachable {
		t.Fatalf("Ping(404) = %d", got)
	}
}
