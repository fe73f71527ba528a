// Package matching scores and ranks waitlist entries as replacement
// candidates for an open appointment slot. Everything here is pure
// computation; callers load the waitlist and persist the outcome.
package matching

import (
	"math"
	"sort"
	"time"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/internal/geo"
)

// DefaultMinPrepMinutes is the buffer a patient needs between arriving and
// the appointment starting for the slot to count as feasible.
const DefaultMinPrepMinutes = 30

// Candidate is the ranked projection of one waitlist entry. Score is
// min-max normalized across the batch to [0,1]. DistanceKm and
// CanArriveMinutes are nil when either side is missing coordinates.
type Candidate struct {
	Entry           clinic.EntryWithPatient
	Score           float64
	DistanceKm      *float64
	CanArriveMinutes *int
}

// Context describes the appointment slot being refilled.
type Context struct {
	ClinicLat      *float64
	ClinicLng      *float64
	StartsAt       time.Time
	MinPrepMinutes int
	Now            time.Time
}

type scored struct {
	entry    clinic.EntryWithPatient
	raw      float64
	distance *float64
	arrival  *int
}

// Rank scores every waitlist entry against the appointment context and
// returns all of them ordered by descending normalized score. Entries with
// equal raw scores order older-first.
func Rank(waitlist []clinic.EntryWithPatient, apptCtx Context) []Candidate {
	if apptCtx.MinPrepMinutes <= 0 {
		apptCtx.MinPrepMinutes = DefaultMinPrepMinutes
	}
	now := apptCtx.Now
	if now.IsZero() {
		now = time.Now()
	}

	minutesUntil := 0
	if apptCtx.StartsAt.After(now) {
		minutesUntil = int(math.Round(apptCtx.StartsAt.Sub(now).Minutes()))
	}

	raw := make([]scored, 0, len(waitlist))
	for _, e := range waitlist {
		raw = append(raw, scoreEntry(e, apptCtx, minutesUntil))
	}

	minScore, maxScore := math.Inf(1), math.Inf(-1)
	for _, r := range raw {
		minScore = math.Min(minScore, r.raw)
		maxScore = math.Max(maxScore, r.raw)
	}
	denom := maxScore - minScore
	if denom == 0 {
		denom = 1
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, r := range raw {
		candidates = append(candidates, Candidate{
			Entry:            r.entry,
			Score:            clamp((r.raw-minScore)/denom, 0, 1),
			DistanceKm:       r.distance,
			CanArriveMinutes: r.arrival,
		})
	}

	// Normalization is order-preserving, so sorting on the normalized score
	// ranks identically to the raw score. CreatedAt settles exact ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Entry.Entry.CreatedAt.Before(candidates[j].Entry.Entry.CreatedAt)
	})

	return candidates
}

func scoreEntry(e clinic.EntryWithPatient, apptCtx Context, minutesUntil int) scored {
	var distance *float64
	var arrival *int
	if apptCtx.ClinicLat != nil && apptCtx.ClinicLng != nil &&
		e.Patient.HomeLat != nil && e.Patient.HomeLng != nil {
		d := geo.DistanceKm(*e.Patient.HomeLat, *e.Patient.HomeLng, *apptCtx.ClinicLat, *apptCtx.ClinicLng)
		distance = &d
		m := geo.TravelMinutes(d)
		arrival = &m
	}

	score := 0.0

	// Distance fit: reward living inside the declared radius, with a bonus
	// scaling toward the clinic. Missing geo data skips the term entirely.
	if distance != nil && e.Entry.RadiusKm > 0 {
		if *distance <= e.Entry.RadiusKm {
			score += 0.3
		} else {
			score -= 0.2
		}
		score += math.Max(0, (e.Entry.RadiusKm-*distance)/e.Entry.RadiusKm) * 0.2
	}

	// Time feasibility: can they arrive with prep time to spare?
	if arrival != nil {
		if minutesUntil-*arrival >= apptCtx.MinPrepMinutes {
			score += 0.25
		} else {
			score -= 0.2
		}
	}

	// Reliability: repeat no-shows and cancels cost, capped at 3 each.
	noShows := float64(clampInt(e.Patient.PastNoShows, 0, 3))
	cancels := float64(clampInt(e.Patient.PastCancels, 0, 3))
	score += -0.05*noShows - 0.03*cancels

	// Priority and standby warmth.
	score += math.Min(0.2, float64(e.Entry.Priority)*0.05)
	if e.Entry.Warmed {
		score += 0.1
	}

	return scored{entry: e, raw: score, distance: distance, arrival: arrival}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
