package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/pkg/logging"
)

// Scorer produces a risk assessment for an appointment. Implementations may
// call out to an external model but must never fail the caller: the
// heuristic is the fail-closed default.
type Scorer interface {
	Assess(ctx context.Context, appt clinic.Appointment, patient *clinic.Patient) Assessment
}

// HeuristicScorer is the purely local Scorer.
type HeuristicScorer struct{}

func (HeuristicScorer) Assess(_ context.Context, appt clinic.Appointment, patient *clinic.Patient) Assessment {
	return HeuristicAssessment(appt, patient)
}

// GeminiScorer asks Gemini for an assessment and falls back to the
// heuristic on any failure.
type GeminiScorer struct {
	model  *genai.GenerativeModel
	client *genai.Client
	logger *logging.Logger
}

const geminiSystemPrompt = "You are a medical appointment no-show risk engine. " +
	"Return ONLY JSON with keys: score (0..1), level (LOW | MEDIUM | HIGH), " +
	"summary (<=2 sentences), factors (array of {id, label, contribution}). " +
	"Labels must be self-contained and include the measured value and rationale. " +
	"Positive contributions raise risk. More no-shows, cancels, lead days, " +
	"distance, or weather severity raise the score; reliability lowers it. " +
	"Level thresholds: LOW < 0.30, MEDIUM 0.30-0.55, HIGH > 0.55."

// NewGeminiScorer builds a Scorer backed by Gemini. An empty API key is not
// an error; the returned scorer simply always uses the heuristic.
func NewGeminiScorer(ctx context.Context, apiKey string, logger *logging.Logger) (*GeminiScorer, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &GeminiScorer{logger: logger.Named("risk")}
	if apiKey == "" {
		logger.Info("GEMINI_API_KEY not set, risk scoring uses local heuristic only")
		return s, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel("gemini-2.0-flash")
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)
	model.SetMaxOutputTokens(512)

	s.client = client
	s.model = model
	return s, nil
}

// Close releases the underlying client, if one was configured.
func (s *GeminiScorer) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *GeminiScorer) Assess(ctx context.Context, appt clinic.Appointment, patient *clinic.Patient) Assessment {
	if s.model == nil {
		return HeuristicAssessment(appt, patient)
	}

	payload := buildPayload(appt, patient)
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal risk payload", "error", err)
		return HeuristicAssessment(appt, patient)
	}

	prompt := geminiSystemPrompt +
		"\n\nCompute no-show risk for this appointment payload. Respond with STRICT JSON only.\n" +
		string(raw)

	resp, err := s.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		s.logger.Warn("gemini risk call failed, using heuristic", "error", err)
		return HeuristicAssessment(appt, patient)
	}

	text := extractText(resp)
	var out Assessment
	if err := json.Unmarshal([]byte(cleanJSON(text)), &out); err != nil {
		s.logger.Warn("gemini returned non-JSON, using heuristic", "error", err)
		return HeuristicAssessment(appt, patient)
	}

	if out.Score < 0 || out.Score > 1 {
		s.logger.Warn("gemini score out of range, using heuristic", "score", out.Score)
		return HeuristicAssessment(appt, patient)
	}
	if out.Level == "" {
		out.Level = LevelFor(out.Score)
	}
	if out.Summary == "" {
		out.Summary = "AI analysis completed."
	}
	return out
}

func buildPayload(appt clinic.Appointment, patient *clinic.Patient) map[string]any {
	payload := map[string]any{
		"specialty":   appt.Specialty,
		"startsAt":    appt.StartsAt,
		"durationMin": appt.DurationMin,
		"weekday":     int(appt.StartsAt.Weekday()),
		"hour":        appt.StartsAt.Hour(),
	}
	if patient != nil {
		payload["pastNoShows"] = patient.PastNoShows
		payload["pastCancels"] = patient.PastCancels
		payload["avgConfirmDelayDays"] = patient.AvgConfirmDelayDays
	}
	return payload
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// cleanJSON strips markdown fences some models wrap around JSON output.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
