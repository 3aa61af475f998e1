package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codeberg.org/pwnderpants/streamrank/internal/source"
)

// ErrNoVideoStream is returned when ffprobe reports no usable video stream
var ErrNoVideoStream = errors.New("no video stream found")

// Stream is the subset of an ffprobe stream entry that is queried
type Stream struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FFprobeOutput represents the JSON output from ffprobe
type FFprobeOutput struct {
	Streams []Stream `json:"streams"`
}

// ProbeResolution asks ffprobe for the size of the first video stream of url.
// It returns "" on any failure.
func (p *Prober) ProbeResolution(ctx context.Context, url string, timeout time.Duration) string {
	resolution, err := p.Resolution(ctx, url, timeout)
	if err != nil {
		p.logger.Debug("resolution probe failed",
			slog.String("url", url),
			slog.String("kind", source.Classify(err).String()),
			slog.String("error", err.Error()),
		)

		return ""
	}

	return resolution
}

// Resolution is ProbeResolution with the failure reported
func (p *Prober) Resolution(ctx context.Context, url string, timeout time.Duration) (string, error) {
	out, err := p.run(ctx, timeout, p.ffprobe, ErrFFprobeNotFound,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		url,
	)
	if err != nil {
		return "", err
	}

	return ParseResolution(out)
}

// ParseResolution extracts "WxH" from ffprobe JSON output
func ParseResolution(data []byte) (string, error) {
	var output FFprobeOutput

	if err := json.Unmarshal(data, &output); err != nil {
		return "", source.Fail("decode", fmt.Errorf("failed to parse ffprobe output: %w", err))
	}

	if len(output.Streams) == 0 {
		return "", source.Logical("decode", ErrNoVideoStream)
	}

	stream := output.Streams[0]
	if stream.Width <= 0 || stream.Height <= 0 {
		return "", source.Logical("decode", ErrNoVideoStream)
	}

	return fmt.Sprintf("%dx%d", stream.Width, stream.Height), nil
}
