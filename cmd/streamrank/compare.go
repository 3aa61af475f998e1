package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/probe"
	"codeberg.org/pwnderpants/streamrank/internal/source"
)

// runCompare measures url once over HTTP/1.1-2 and once over HTTP/3
func runCompare(ctx context.Context, w io.Writer, url string) error {
	if verbose {
		fmt.Fprintln(w, "── HTTP/1.1-2 ──")
	}

	http12 := measureWith(ctx, url, probe.NewHTTPClient())

	if verbose {
		fmt.Fprintln(w, "── HTTP/3 ──")
	}

	http3 := measureWith(ctx, url, probe.NewHTTP3Client())

	if err := ctx.Err(); err != nil {
		return err
	}

	printComparisonResults(w, url, http12, http3)

	return nil
}

// formatDelta formats the difference between two durations with sign
func formatDelta(http12, http3 time.Duration) string {
	delta := http3 - http12
	ms := float64(delta) / float64(time.Millisecond)

	if delta >= 0 {
		return fmt.Sprintf("+%.2fms", ms)
	}

	return fmt.Sprintf("%.2fms", ms)
}

// printComparisonResults outputs side-by-side HTTP/1.1-2 vs HTTP/3 comparison
func printComparisonResults(w io.Writer, url string, http12, http3 measurement) {
	fmt.Fprintf(w, "streamrank comparison for: %s\n", url)
	fmt.Fprintln(w, "────────────────────────────────────────────────────────────────────")
	fmt.Fprintf(w, "%-20s %14s %14s %14s\n", "", "HTTP/1.1-2", "HTTP/3", "Delta")
	fmt.Fprintln(w, "────────────────────────────────────────────────────────────────────")

	if http12.trace != nil && http3.trace != nil {
		fmt.Fprintf(w, "%-20s %14s %14s %14s\n",
			"DNS Lookup:",
			formatDuration(http12.trace.DNSLookup),
			formatDuration(http3.trace.DNSLookup),
			formatDelta(http12.trace.DNSLookup, http3.trace.DNSLookup),
		)
		fmt.Fprintf(w, "%-20s %14s %14s %14s\n",
			"Handshake:",
			formatDuration(http12.trace.TCPConnect+http12.trace.TLSHandshake),
			formatDuration(http3.trace.QUICHandshake),
			formatDelta(http12.trace.TCPConnect+http12.trace.TLSHandshake, http3.trace.QUICHandshake),
		)
		fmt.Fprintf(w, "%-20s %14s %14s %14s\n",
			"TTFB:",
			formatDuration(http12.trace.TTFB),
			formatDuration(http3.trace.TTFB),
			formatDelta(http12.trace.TTFB, http3.trace.TTFB),
		)
		fmt.Fprintln(w, "────────────────────────────────────────────────────────────────────")
	} else {
		fmt.Fprintln(w, "Connection timings unavailable: at least one transport failed to connect")
	}

	fmt.Fprintf(w, "%-20s %14s %14s\n",
		"Delay:",
		formatDelay(http12.result.DelayOr(source.Unreachable)),
		formatDelay(http3.result.DelayOr(source.Unreachable)),
	)
	fmt.Fprintf(w, "%-20s %14s %14s\n",
		"Speed:",
		formatSpeed(http12.result.SpeedOr(0)),
		formatSpeed(http3.result.SpeedOr(0)),
	)
}
