package decoder

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/source"
)

var (
	framePattern     = regexp.MustCompile(`frame=(\d+)`)
	frameSizePattern = regexp.MustCompile(`(\d{3,4}x\d{3,4})`)
)

// ProbePlayback decodes url for up to timeout with ffmpeg and returns the
// statistics it printed. ok is false when ffmpeg was missing or killed.
func (p *Prober) ProbePlayback(ctx context.Context, url string, timeout time.Duration) (string, bool) {
	out, err := p.run(ctx, timeout, p.ffmpeg, ErrFFmpegNotFound,
		"-t", seconds(timeout),
		"-stats",
		"-i", url,
		"-f", "null",
		"-",
	)

	if err != nil {
		p.logger.Debug("playback probe failed",
			slog.String("url", url),
			slog.String("kind", source.Classify(err).String()),
			slog.String("error", err.Error()),
		)

		// ffmpeg exits non-zero on broken streams but its statistics are still usable
		if source.Classify(err) != source.KindLogical || len(out) == 0 {
			return "", false
		}
	}

	return string(out), true
}

// ParsePlayback extracts the last reported frame count and the first frame
// size from ffmpeg statistics. frames is -1 when none was reported.
func ParsePlayback(text string) (frames int, resolution string) {
	frames = -1

	matches := framePattern.FindAllStringSubmatch(strings.ReplaceAll(text, " ", ""), -1)
	if len(matches) > 0 {
		if n, err := strconv.Atoi(matches[len(matches)-1][1]); err == nil {
			frames = n
		}
	}

	resolution = frameSizePattern.FindString(text)

	return frames, resolution
}

// CheckStream plays url for timeout and reports decoded frames and frame size.
// frames is -1 when the stream could not be decoded.
func (p *Prober) CheckStream(ctx context.Context, url string, timeout time.Duration) (frames int, resolution string) {
	text, ok := p.ProbePlayback(ctx, url, timeout)
	if !ok {
		return -1, ""
	}

	return ParsePlayback(text)
}
