package probe

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Trace holds timing metrics captured during an HTTP request
type Trace struct {
	DNSLookup     time.Duration
	TCPConnect    time.Duration
	TLSHandshake  time.Duration
	QUICHandshake time.Duration
	TTFB          time.Duration
	Total         time.Duration
}

// traceState holds intermediate timestamps during request tracing
type traceState struct {
	start             time.Time
	dnsStart          time.Time
	dnsDone           time.Time
	connectStart      time.Time
	connectDone       time.Time
	tlsHandshakeStart time.Time
	tlsHandshakeDone  time.Time
	gotConn           time.Time
	reused            bool
	firstByte         time.Time
}

// FetchWithTrace performs an HTTP request and returns timing metrics.
// Total is measured when the response headers have been read.
func FetchWithTrace(ctx context.Context, method, url string, client *http.Client) (*http.Response, *Trace, error) {
	state := &traceState{}

	clientTrace := &httptrace.ClientTrace{
		DNSStart: func(_ httptrace.DNSStartInfo) {
			state.dnsStart = time.Now()
		},
		DNSDone: func(_ httptrace.DNSDoneInfo) {
			state.dnsDone = time.Now()
		},
		ConnectStart: func(_, _ string) {
			state.connectStart = time.Now()
		},
		ConnectDone: func(_, _ string, _ error) {
			state.connectDone = time.Now()
		},
		TLSHandshakeStart: func() {
			state.tlsHandshakeStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			state.tlsHandshakeDone = time.Now()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			state.gotConn = time.Now()
			state.reused = info.Reused
		},
		GotFirstResponseByte: func() {
			state.firstByte = time.Now()
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, clientTrace), method, url, nil)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("User-Agent", userAgent)

	state.start = time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}

	return resp, buildTrace(state), nil
}

// buildTrace calculates durations from captured timestamps
func buildTrace(state *traceState) *Trace {
	trace := &Trace{}

	// Calculate DNS lookup duration if DNS occurred
	if !state.dnsStart.IsZero() && !state.dnsDone.IsZero() {
		trace.DNSLookup = state.dnsDone.Sub(state.dnsStart)
	}

	// Calculate TCP connect duration
	if !state.connectStart.IsZero() && !state.connectDone.IsZero() {
		trace.TCPConnect = state.connectDone.Sub(state.connectStart)
	}

	// Calculate TLS handshake duration
	if !state.tlsHandshakeStart.IsZero() && !state.tlsHandshakeDone.IsZero() {
		trace.TLSHandshake = state.tlsHandshakeDone.Sub(state.tlsHandshakeStart)
	}

	// HTTP/3 never reports a TCP connect, so attribute connection setup to QUIC
	if state.connectStart.IsZero() && !state.gotConn.IsZero() && !state.reused {
		quicStart := state.start

		if !state.dnsDone.IsZero() {
			quicStart = state.dnsDone
		}

		trace.QUICHandshake = state.gotConn.Sub(quicStart)
	}

	// Calculate time to first byte from request start
	if !state.firstByte.IsZero() {
		trace.TTFB = state.firstByte.Sub(state.start)
	}

	trace.Total = time.Since(state.start)

	return trace
}

// NewHTTPClient creates an HTTP client that skips certificate verification.
// It has no overall timeout; every call site bounds itself with a context.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	transport.MaxIdleConnsPerHost = 4

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}

// NewHTTP3Client creates an HTTP/3 client that skips certificate verification
func NewHTTP3Client() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(&http3.RoundTripper{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}),
	}
}

// NewClient picks the HTTP/3 or the TCP based client
func NewClient(useHTTP3 bool) *http.Client {
	if useHTTP3 {
		return NewHTTP3Client()
	}

	return NewHTTPClient()
}

// withoutRedirects returns a copy of client that reports redirects instead of following them
func withoutRedirects(client *http.Client) *http.Client {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &c
}
