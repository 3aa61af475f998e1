package source

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	cacheKeyPattern = regexp.MustCompile(`cache:(.*)`)
	rtmpPattern     = regexp.MustCompile(`(?i)^rtmp[a-z]?://`)
)

// Target is a probe URL with its optional cache directive removed
type Target struct {
	URL      string
	CacheKey string
}

// ParseTarget splits a raw URL of the form "<url>$cache:<key>" into its parts.
// Anything after the first "$" is never sent over the network.
func ParseTarget(raw string) Target {
	base, info, found := strings.Cut(raw, "$")
	if !found {
		return Target{URL: raw}
	}

	target := Target{URL: base}

	if m := cacheKeyPattern.FindStringSubmatch(info); m != nil {
		target.CacheKey = m[1]
	}

	return target
}

// WithCacheKey appends a cache directive to raw unless it already carries one
func WithCacheKey(raw, key string) string {
	if key == "" || ParseTarget(raw).CacheKey != "" {
		return raw
	}

	return raw + "$cache:" + key
}

// StripCacheInfo removes the cache directive from raw, keeping any other "$" info
func StripCacheInfo(raw string) string {
	base, info, found := strings.Cut(raw, "$")
	if !found {
		return raw
	}

	loc := cacheKeyPattern.FindStringIndex(info)
	if loc == nil {
		return raw
	}

	rest := strings.TrimRight(info[:loc[0]], "$- ")
	if rest == "" {
		return base
	}

	return base + "$" + rest
}

// IsRTMP reports whether u uses one of the rtmp scheme family
func IsRTMP(u string) bool {
	return rtmpPattern.MatchString(u)
}

// IsIPv6 reports whether the host of u is an IPv6 literal
func IsIPv6(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}

	ip := net.ParseIP(parsed.Hostname())

	return ip != nil && ip.To4() == nil
}

// Host returns the host of u, or "" when it cannot be parsed
func Host(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}

	return parsed.Hostname()
}
