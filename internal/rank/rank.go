package rank

import (
	"log/slog"
	"math"
	"sort"

	"codeberg.org/pwnderpants/streamrank/internal/cache"
	"codeberg.org/pwnderpants/streamrank/internal/source"
	"codeberg.org/pwnderpants/streamrank/internal/stats"
)

// OriginWhitelist marks sources that are kept and ranked first unconditionally
const OriginWhitelist = "whitelist"

// Record is one candidate source of a channel
type Record struct {
	URL        string `json:"url"`
	Date       string `json:"date,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Origin     string `json:"origin"`
}

// Policy holds the filtering thresholds
type Policy struct {
	// Supply keeps slow and low resolution sources, dropping only unreachable ones
	Supply           bool
	FilterSpeed      bool
	MinSpeed         float64 // MB/s
	FilterResolution bool
	MinResolution    int // pixel count
}

type candidate struct {
	record Record
	key    float64
}

// Ranker orders candidate sources by the measurements in a cache
type Ranker struct {
	store  cache.Store
	logger *slog.Logger
}

// New returns a Ranker reading store; a nil logger uses slog.Default
func New(store cache.Store, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ranker{store: store, logger: logger}
}

// Rank filters records of channel name by policy and returns the survivors
// best first. Output URLs have their cache directive removed.
func (r *Ranker) Rank(name string, records []Record, policy Policy) []Record {
	candidates := make([]candidate, 0, len(records))

	for _, rec := range records {
		out := rec
		out.URL = source.StripCacheInfo(rec.URL)

		if rec.Origin == OriginWhitelist {
			candidates = append(candidates, candidate{record: out, key: math.Inf(1)})
			continue
		}

		// Sources never measured are dropped
		key := source.ParseTarget(rec.URL).CacheKey
		if key == "" {
			continue
		}

		bucket := r.store.Get(key)
		if len(bucket) == 0 {
			continue
		}

		speed, delay := averages(bucket)

		resolution := source.BestResolution(bucket)
		if resolution == "" {
			resolution = rec.Resolution
		}

		r.logger.Info("source measured",
			slog.String("name", name),
			slog.String("url", out.URL),
			slog.String("date", rec.Date),
			slog.Int("delay_ms", delay),
			slog.Float64("speed_mbps", speed),
			slog.String("resolution", resolution),
		)

		if dropped(policy, speed, delay, resolution) {
			continue
		}

		out.Resolution = resolution
		candidates = append(candidates, candidate{
			record: out,
			key:    speed + float64(source.ResolutionValue(resolution)),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].key > candidates[j].key
	})

	ranked := make([]Record, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.record
	}

	return ranked
}

// averages returns the mean speed with unset speeds as 0 and the mean delay
// with unset delays as unreachable, truncated and floored at unreachable.
func averages(bucket []source.Result) (float64, int) {
	speeds := make([]float64, len(bucket))
	delays := make([]float64, len(bucket))

	for i, res := range bucket {
		speeds[i] = res.SpeedOr(0)
		delays[i] = float64(res.DelayOr(source.Unreachable))
	}

	delay := int(stats.Mean(delays))
	if delay < source.Unreachable {
		delay = source.Unreachable
	}

	return stats.Mean(speeds), delay
}

func dropped(p Policy, speed float64, delay int, resolution string) bool {
	if p.Supply {
		return delay < 0
	}

	if p.FilterSpeed && speed < p.MinSpeed {
		return true
	}

	return p.FilterResolution && source.ResolutionValue(resolution) < p.MinResolution
}
