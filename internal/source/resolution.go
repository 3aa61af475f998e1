package source

import (
	"regexp"
	"strconv"
)

var resolutionPattern = regexp.MustCompile(`(\d+)[xX*](\d+)`)

// ResolutionValue ranks a "WxH" string by pixel count; unparsable input ranks 0
func ResolutionValue(resolution string) int {
	m := resolutionPattern.FindStringSubmatch(resolution)
	if m == nil {
		return 0
	}

	width, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}

	height, err := strconv.Atoi(m[2])
	if err != nil {
		return 0
	}

	return width * height
}

// BestResolution returns the highest ranked resolution among results, or ""
func BestResolution(results []Result) string {
	best := ""
	bestValue := 0

	for _, r := range results {
		if v := ResolutionValue(r.Resolution); v > bestValue {
			best = r.Resolution
			bestValue = v
		}
	}

	return best
}
