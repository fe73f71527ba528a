// Package risk computes a no-show risk score for an upcoming appointment.
// The heuristic here is the deterministic local engine; gemini.go layers an
// AI-backed scorer on top that always falls back to this one.
package risk

import (
	"strings"
	"time"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/internal/weather"
)

type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// HighRiskThreshold marks appointments worth a standby warm-up sweep.
const HighRiskThreshold = 0.55

// Factor is one contribution to an assessment, positive raising risk.
type Factor struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	Contribution float64 `json:"contribution"`
}

// Assessment is the structured result surfaced to dashboards.
type Assessment struct {
	Score   float64  `json:"score"`
	Level   Level    `json:"level"`
	Summary string   `json:"summary"`
	Factors []Factor `json:"factors"`
}

// LevelFor buckets a score: LOW < 0.30, MEDIUM 0.30-0.55, HIGH > 0.55.
func LevelFor(score float64) Level {
	switch {
	case score < 0.30:
		return LevelLow
	case score > HighRiskThreshold:
		return LevelHigh
	default:
		return LevelMedium
	}
}

// Heuristic computes the local no-show score for an appointment and its
// patient history, clamped to [0,1]. A nil patient scores as a clean
// history.
func Heuristic(appt clinic.Appointment, patient *clinic.Patient) float64 {
	weekday := appt.StartsAt.Weekday()
	hour := appt.StartsAt.Hour()

	score := 0.2

	// Long visits carry more risk.
	if appt.DurationMin >= 60 {
		score += 0.1
	}

	// Day and time effects.
	if weekday == time.Monday || weekday == time.Friday {
		score += 0.05
	}
	if hour <= 9 || hour >= 16 {
		score += 0.05
	}

	// Specialty effects.
	s := strings.ToLower(appt.Specialty)
	switch {
	case strings.Contains(s, "mental"):
		score += 0.1
	case strings.Contains(s, "derma"):
		score += 0.05
	case strings.Contains(s, "surgery"), strings.Contains(s, "onco"):
		score -= 0.1
	}

	// Patient history.
	if patient != nil {
		score += minF(0.24, float64(maxI(0, patient.PastNoShows))*0.08)
		score += minF(0.15, float64(maxI(0, patient.PastCancels))*0.05)
		if patient.AvgConfirmDelayDays > 2 {
			score += 0.1
		}
	}

	// Simulated weather at the appointment time.
	if weather.IsExtreme(appt.StartsAt) {
		score += 0.1
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// HeuristicAssessment wraps Heuristic in the structured shape the AI scorer
// produces, so callers get a uniform result either way.
func HeuristicAssessment(appt clinic.Appointment, patient *clinic.Patient) Assessment {
	score := Heuristic(appt, patient)
	factors := []Factor{
		{ID: "heuristic", Label: "Local deterministic no-show model", Contribution: score},
	}
	if patient != nil && patient.PastNoShows > 0 {
		factors = append(factors, Factor{
			ID:           "past_no_shows",
			Label:        "History of missed appointments",
			Contribution: minF(0.24, float64(patient.PastNoShows)*0.08),
		})
	}
	return Assessment{
		Score:   score,
		Level:   LevelFor(score),
		Summary: "Deterministic heuristic assessment.",
		Factors: factors,
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxI(a, b int) int {
	if a > b {
		return a
	}
	return b
}
