package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var checkURL string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether ffprobe and ffmpeg are available",
	Long: `check reports whether the external decoders can be found.

With --url it also plays the stream through ffmpeg for the probe timeout and
prints the decoded frame count and frame size.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

// init configures the check command flags
func init() {
	checkCmd.Flags().StringVar(&checkURL, "url", "", "Decode this stream and report frames and resolution")
}

// streamChecker plays a stream and reports decoded frames and frame size
type streamChecker interface {
	CheckStream(ctx context.Context, url string, timeout time.Duration) (frames int, resolution string)
}

// runCheck prints the availability of the external decoders
func runCheck(cmd *cobra.Command, args []string) error {
	p := current.prober()
	out := cmd.OutOrStdout()

	status := func(err error) string {
		if err != nil {
			return "missing (" + err.Error() + ")"
		}

		return "ok"
	}

	fmt.Fprintf(out, "ffprobe: %s\n", status(p.CheckFFprobe()))
	fmt.Fprintf(out, "ffmpeg:  %s\n", status(p.CheckFFmpeg()))

	if !p.Available() {
		fmt.Fprintln(out, "RTMP sources and resolution filtering need both binaries.")
	}

	if checkURL == "" {
		return nil
	}

	if err := p.CheckFFmpeg(); err != nil {
		return err
	}

	printStreamCheck(cmd.Context(), out, p, checkURL, current.timeout)

	return nil
}

// printStreamCheck decodes url for timeout and prints what came out
func printStreamCheck(ctx context.Context, w io.Writer, checker streamChecker, url string, timeout time.Duration) {
	frames, resolution := checker.CheckStream(ctx, url, timeout)

	if frames < 0 {
		fmt.Fprintf(w, "%s: not decodable\n", url)
		return
	}

	if resolution == "" {
		resolution = "unknown"
	}

	fmt.Fprintf(w, "%s: %d frames in %s, %s\n", url, frames, timeout, resolution)
}
