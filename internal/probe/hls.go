package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"codeberg.org/pwnderpants/streamrank/internal/source"
)

var (
	ErrNoVariants      = errors.New("master playlist has no variants")
	ErrNoSegments      = errors.New("media playlist has no segments")
	ErrInvalidPlaylist = errors.New("invalid or unrecognized playlist format")
	ErrNotPlaylist     = errors.New("variant is not a playlist")
)

var manifestContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/mpegurl",
	"audio/x-mpegurl",
}

// PlaylistResult holds the parsed playlist and associated trace data
type PlaylistResult struct {
	Master *m3u8.MasterPlaylist
	Media  *m3u8.MediaPlaylist
	Trace  *Trace
}

// IsManifest reports whether the response headers announce an HLS playlist
func IsManifest(header http.Header) bool {
	contentType := strings.ToLower(header.Get("Content-Type"))
	if contentType == "" {
		return false
	}

	for _, t := range manifestContentTypes {
		if strings.Contains(contentType, t) {
			return true
		}
	}

	return false
}

// FetchHeaders issues a HEAD request without following redirects.
// Headers are returned for any status code.
func FetchHeaders(ctx context.Context, target string, client *http.Client, timeout time.Duration) (http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, _, err := FetchWithTrace(ctx, http.MethodHead, target, withoutRedirects(client))
	if err != nil {
		return nil, source.Fail("headers", err)
	}
	defer resp.Body.Close()

	return resp.Header, nil
}

// FetchPlaylist fetches and parses an HLS playlist from the given URL
func FetchPlaylist(ctx context.Context, hlsURL string, client *http.Client, timeout time.Duration) (*PlaylistResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, trace, err := FetchWithTrace(ctx, http.MethodGet, hlsURL, client)
	if err != nil {
		return nil, source.Fail("playlist", err)
	}
	defer resp.Body.Close()

	// Check for HTTP errors
	if resp.StatusCode != http.StatusOK {
		return nil, source.Logical("playlist", fmt.Errorf("playlist fetch returned status %d", resp.StatusCode))
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, source.Fail("playlist", fmt.Errorf("%w: %v", source.ErrParse, err))
	}

	result := &PlaylistResult{Trace: trace}

	switch listType {
	case m3u8.MASTER:
		result.Master = playlist.(*m3u8.MasterPlaylist)
	case m3u8.MEDIA:
		result.Media = playlist.(*m3u8.MediaPlaylist)
	default:
		return nil, source.Logical("playlist", ErrInvalidPlaylist)
	}

	return result, nil
}

// GetFirstVariantURL extracts the URL of the first variant from a master playlist
func GetFirstVariantURL(master *m3u8.MasterPlaylist, playlistURL string) (string, error) {
	if master == nil {
		return "", ErrNoVariants
	}

	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			return resolveURL(playlistURL, v.URI)
		}
	}

	return "", ErrNoVariants
}

// SegmentURLs returns the absolute URLs of every segment of a media playlist in order
func SegmentURLs(media *m3u8.MediaPlaylist, playlistURL string) ([]string, error) {
	if media == nil {
		return nil, ErrNoSegments
	}

	var urls []string

	// The segment slice is a ring buffer padded with nil entries
	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}

		u, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, err
		}

		urls = append(urls, u)
	}

	if len(urls) == 0 {
		return nil, ErrNoSegments
	}

	return urls, nil
}

// resolveURL resolves a potentially relative URL against a base URL
func resolveURL(baseURL, ref string) (string, error) {
	// Check if ref is already absolute
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL: %w", err)
	}

	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse reference URL: %w", err)
	}

	return base.ResolveReference(refURL).String(), nil
}

// EncodeURL percent-encodes raw the way IPTV sources expect and drops any "$" suffix
func EncodeURL(raw string) string {
	const safe = ":/?$&=@[]%"

	var b strings.Builder

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if isUnreserved(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
			continue
		}

		fmt.Fprintf(&b, "%%%02X", c)
	}

	encoded, _, _ := strings.Cut(b.String(), "$")

	return encoded
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}

	return false
}
