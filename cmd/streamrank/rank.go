package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"codeberg.org/pwnderpants/streamrank/internal/batch"
	"codeberg.org/pwnderpants/streamrank/internal/cache"
	"codeberg.org/pwnderpants/streamrank/internal/config"
	"codeberg.org/pwnderpants/streamrank/internal/measure"
	"codeberg.org/pwnderpants/streamrank/internal/rank"
	"codeberg.org/pwnderpants/streamrank/internal/source"
)

const originSubscribe = "subscribe"

var jsonOutput bool

var rankCmd = &cobra.Command{
	Use:   "rank <file>",
	Short: "Probe every source of a channel list and rank them per channel",
	Long: `rank reads "name,url" lines ("-" for stdin), probes every URL concurrently
and prints the surviving sources of each channel best first.

Lines containing #genre# are skipped. URLs without a $cache:<key> directive
share measurements with the other sources of the same channel on the same host.`,
	Args: cobra.ExactArgs(1),
	RunE: runRank,
}

// init configures the rank command flags
func init() {
	rankCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print a JSON array instead of name,url lines")
}

// channel groups the candidate sources of one channel name
type channel struct {
	name    string
	records []rank.Record
}

// rankedSource is one line of ranked output
type rankedSource struct {
	Name string `json:"name"`
	rank.Record
}

// runRank probes and ranks the channel list named by args[0]
func runRank(cmd *cobra.Command, args []string) error {
	in, closeInput, err := openInput(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeInput()

	channels, err := readChannels(in, current.cfg)
	if err != nil {
		return err
	}

	if current.cfg.OpenFilterResolution {
		if err := current.prober().CheckFFprobe(); err != nil {
			current.logger.Warn("resolution filtering enabled but ffprobe is unavailable", slog.String("error", err.Error()))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := cache.NewMemory()
	runner := batch.NewRunner(current.dispatcher(store), current.cfg.SortConcurrency, current.logger)

	ranked := rankChannels(ctx, runner, rank.New(store, current.logger), channels, policy(current.cfg), current.options(), current.logger)

	if ctx.Err() != nil {
		current.logger.Warn("ranking canceled, results are partial")
	}

	current.logger.Info("ranking done",
		slog.Int("channels", len(channels)),
		slog.Int("cache_keys", store.Len()),
		slog.Int("kept", len(ranked)),
	)

	return writeRanked(cmd.OutOrStdout(), ranked, jsonOutput)
}

// rankChannels probes every source of channels and ranks each channel in input order
func rankChannels(ctx context.Context, runner *batch.Runner, ranker *rank.Ranker, channels []channel, p rank.Policy, opts measure.Options, logger *slog.Logger) []rankedSource {
	var urls []string

	for _, ch := range channels {
		for _, rec := range ch.records {
			if rec.Origin != rank.OriginWhitelist {
				urls = append(urls, rec.URL)
			}
		}
	}

	done := 0
	for c := range runner.Run(ctx, urls, opts) {
		done++

		if c.Err != nil {
			logger.Debug("probe skipped", slog.String("url", c.URL), slog.String("error", c.Err.Error()))
		}

		if done%50 == 0 || done == len(urls) {
			logger.Info("probing", slog.Int("done", done), slog.Int("total", len(urls)))
		}
	}

	var out []rankedSource

	for _, ch := range channels {
		for _, rec := range ranker.Rank(ch.name, ch.records, p) {
			out = append(out, rankedSource{Name: ch.name, Record: rec})
		}
	}

	return out
}

// policy builds the ranking thresholds from cfg
func policy(cfg *config.Config) rank.Policy {
	return rank.Policy{
		Supply:           cfg.OpenSupply,
		FilterSpeed:      cfg.OpenFilterSpeed,
		MinSpeed:         cfg.MinSpeed,
		FilterResolution: cfg.OpenFilterResolution,
		MinResolution:    cfg.MinResolutionValue(),
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open channel list: %w", err)
	}

	return f, func() { f.Close() }, nil
}

// readChannels parses "name,url" lines, grouping URLs by channel in first-seen order
func readChannels(r io.Reader, cfg *config.Config) ([]channel, error) {
	var channels []channel

	index := make(map[string]int)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.Contains(line, "#genre#") {
			continue
		}

		name, url, found := strings.Cut(line, ",")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)

		if !found || name == "" || url == "" {
			continue
		}

		rec := rank.Record{URL: url, Origin: originSubscribe}

		if cfg.Whitelisted(url) {
			rec.Origin = rank.OriginWhitelist
		} else {
			rec.URL = source.WithCacheKey(url, defaultCacheKey(name, url))
		}

		i, ok := index[name]
		if !ok {
			i = len(channels)
			index[name] = i
			channels = append(channels, channel{name: name})
		}

		channels[i].records = append(channels[i].records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read channel list: %w", err)
	}

	return channels, nil
}

// defaultCacheKey groups the sources of one channel served by one host
func defaultCacheKey(name, url string) string {
	host := source.Host(source.ParseTarget(url).URL)
	if host == "" {
		return ""
	}

	return name + "|" + host
}

func writeRanked(w io.Writer, ranked []rankedSource, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if ranked == nil {
			ranked = []rankedSource{}
		}

		return enc.Encode(ranked)
	}

	for _, r := range ranked {
		if _, err := fmt.Fprintf(w, "%s,%s\n", r.Name, r.URL); err != nil {
			return err
		}
	}

	return nil
}
