package source

import "math"

// Unreachable is the delay sentinel for a source confirmed dead
const Unreachable = -1

// Result is one probe measurement. Nil fields mean "not measured".
type Result struct {
	Speed      *float64 // MB/s
	Delay      *int     // ms, Unreachable on explicit failure
	Resolution string   // "WxH", empty when unknown
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// Millis returns a pointer to v
func Millis(v int) *int {
	return &v
}

// Infinite returns a pointer to +Inf, used for sources trusted without measurement
func Infinite() *float64 {
	return Float(math.Inf(1))
}

// SpeedOr returns the measured speed or fallback when unset
func (r Result) SpeedOr(fallback float64) float64 {
	if r.Speed == nil {
		return fallback
	}

	return *r.Speed
}

// DelayOr returns the measured delay or fallback when unset
func (r Result) DelayOr(fallback int) int {
	if r.Delay == nil {
		return fallback
	}

	return *r.Delay
}

// IsZero reports whether nothing was measured
func (r Result) IsZero() bool {
	return r.Speed == nil && r.Delay == nil && r.Resolution == ""
}

// Usable reports whether r can stand in for a fresh probe of an equivalent source
func (r Result) Usable(minResolution int) bool {
	if r.Speed == nil || *r.Speed <= 0 {
		return false
	}

	if r.Delay != nil && *r.Delay == Unreachable {
		return false
	}

	return ResolutionValue(r.Resolution) > minResolution
}

// Merge copies the fields set in other over r
func (r *Result) Merge(other Result) {
	if other.Speed != nil {
		r.Speed = other.Speed
	}

	if other.Delay != nil {
		r.Delay = other.Delay
	}

	if other.Resolution != "" {
		r.Resolution = other.Resolution
	}
}
