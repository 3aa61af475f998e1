package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"codeberg.org/pwnderpants/streamrank/internal/source"
)

// Config maps the streamrank YAML file
type Config struct {
	SortTimeout          int      `yaml:"sort_timeout"`
	OpenFilterResolution bool     `yaml:"open_filter_resolution"`
	MinResolution        string   `yaml:"min_resolution"`
	OpenFilterSpeed      bool     `yaml:"open_filter_speed"`
	MinSpeed             float64  `yaml:"min_speed"`
	OpenSupply           bool     `yaml:"open_supply"`
	IPv6Proxy            string   `yaml:"ipv6_proxy"`
	FFprobePath          string   `yaml:"ffprobe_path"`
	FFmpegPath           string   `yaml:"ffmpeg_path"`
	SortConcurrency      int      `yaml:"sort_concurrency"`
	HTTP3                bool     `yaml:"http3"`
	DownloadRateLimitMB  float64  `yaml:"download_rate_limit_mb"`
	MaxRedirects         int      `yaml:"max_redirects"`
	Whitelist            []string `yaml:"whitelist"`
	LogLevel             string   `yaml:"log_level"`
	LogFormat            string   `yaml:"log_format"`
	MetricsAddr          string   `yaml:"metrics_addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		SortTimeout:          10,
		OpenFilterResolution: true,
		MinResolution:        "1920x1080",
		OpenFilterSpeed:      true,
		MinSpeed:             0.5,
		OpenSupply:           true,
		FFprobePath:          "ffprobe",
		FFmpegPath:           "ffmpeg",
		SortConcurrency:      10,
		MaxRedirects:         10,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}

	if v := getEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}

	if v := getEnv("STREAMRANK_TIMEOUT", ""); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREAMRANK_TIMEOUT: %w", err)
		}

		c.SortTimeout = seconds
	}

	return nil
}

// Validate rejects settings no probe can run with
func (c *Config) Validate() error {
	var errs []error

	if c.SortTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sort_timeout must be positive, got %d", c.SortTimeout))
	}

	if c.SortConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("sort_concurrency must be positive, got %d", c.SortConcurrency))
	}

	if c.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("max_redirects must not be negative, got %d", c.MaxRedirects))
	}

	if c.MinSpeed < 0 || c.DownloadRateLimitMB < 0 {
		errs = append(errs, errors.New("min_speed and download_rate_limit_mb must not be negative"))
	}

	if source.ResolutionValue(c.MinResolution) == 0 {
		errs = append(errs, fmt.Errorf("min_resolution %q is not WxH", c.MinResolution))
	}

	return errors.Join(errs...)
}

// Timeout returns sort_timeout as a duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.SortTimeout) * time.Second
}

// MinResolutionValue returns the pixel count of min_resolution
func (c *Config) MinResolutionValue() int {
	return source.ResolutionValue(c.MinResolution)
}

// UseIPv6Proxy reports whether IPv6 sources are trusted through a proxy
func (c *Config) UseIPv6Proxy() bool {
	return strings.TrimSpace(c.IPv6Proxy) != ""
}

// Whitelisted reports whether url matches a whitelist entry
func (c *Config) Whitelisted(url string) bool {
	for _, entry := range c.Whitelist {
		if entry = strings.TrimSpace(entry); entry != "" && strings.Contains(url, entry) {
			return true
		}
	}

	return false
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
