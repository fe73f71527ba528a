// Package weather provides a simulated severity signal for demo risk
// scoring. No external provider is involved; severity is a deterministic
// function of the hour so dashboards stay stable across refreshes.
package weather

import "time"

// SeverityThreshold is the point at which simulated conditions count as
// extreme (storm / deep cold) for risk purposes.
const SeverityThreshold = 0.7

// SimulatedSeverity returns a weather severity in [0,1] for the given time.
// Early mornings and late nights trend worse, with a rare deterministic
// spike standing in for a storm.
func SimulatedSeverity(at time.Time) float64 {
	hour := at.Hour()
	base := 0.2
	if hour <= 9 || hour >= 20 {
		base += 0.2
	}

	seed := at.Year()*10000 + int(at.Month())*100 + at.Day()*10 + hour/2
	if pseudoRandom(uint32(seed)) > 0.92 {
		base += 0.3
	}

	if base < 0 {
		return 0
	}
	if base > 1 {
		return 1
	}
	return base
}

// IsExtreme reports whether the simulated conditions at the given time are
// severe enough to matter for no-show risk.
func IsExtreme(at time.Time) bool {
	return SimulatedSeverity(at) >= SeverityThreshold
}

// pseudoRandom hashes a seed into [0,1). Deterministic per seed so the same
// hour bucket always gets the same weather.
func pseudoRandom(seed uint32) float64 {
	x := seed ^ 0x6d2b79f5
	x = (x ^ (x >> 15)) * (1 | x)
	x ^= x + (x^(x>>7))*(61|x)
	return float64(x^(x>>14)) / 4294967296.0
}
