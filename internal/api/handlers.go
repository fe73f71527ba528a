package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/internal/matching"
	"github.com/smartwait/mediqueue/internal/offers"
	"github.com/smartwait/mediqueue/internal/risk"
)

// OfferService is the slice of the offer lifecycle the handlers call.
type OfferService interface {
	IssueOffers(ctx context.Context, appointmentID uuid.UUID) (int, error)
	AcceptOfferForPhone(ctx context.Context, phone string) (*clinic.Appointment, error)
	DeclineOfferForPhone(ctx context.Context, phone string) error
	CancelAppointment(ctx context.Context, id uuid.UUID) (*clinic.Appointment, error)
	CancelNextForPhone(ctx context.Context, phone string) (*clinic.Appointment, error)
	MarkReadyForPhone(ctx context.Context, phone string) error
	SimulateFill(ctx context.Context, appointmentID uuid.UUID) (*clinic.Appointment, error)
	PrepStandby(ctx context.Context) (int, error)
	Summary(ctx context.Context) (*offers.DashboardSummary, error)
	LogUnknownInbound(ctx context.Context, from, body string)
}

// Reader covers the read-only repository queries the dashboard uses.
type Reader interface {
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*clinic.AppointmentWithPatient, error)
	ListWaitlistBySpecialty(ctx context.Context, specialty string) ([]clinic.EntryWithPatient, error)
	ListAppointments(ctx context.Context, limit int) ([]clinic.AppointmentWithPatient, error)
	ListRecentOffers(ctx context.Context, limit int) ([]clinic.OfferDetail, error)
	ListRecentEvents(ctx context.Context, limit int) ([]clinic.EventLog, error)
	ListSpecialties(ctx context.Context) ([]string, error)
}

func issueOffersHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IssueOffersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		id, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointmentId must be a valid UUID")
			return
		}

		issued, err := svc.IssueOffers(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, IssueOffersResponse{AppointmentID: id, Issued: issued})
	}
}

func cancelAppointmentHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(*appt, ""))
	}
}

func simulateFillHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.SimulateFill(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(*appt, ""))
	}
}

func prepStandbyHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notified, err := svc.PrepStandby(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PrepStandbyResponse{Notified: notified})
	}
}

// getAppointmentHandler returns the appointment, its no-show risk
// assessment, and the ranked waitlist candidates annotated with reason
// badges.
func getAppointmentHandler(reader Reader, scorer risk.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		detail, err := reader.GetAppointmentDetail(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		waitlist, err := reader.ListWaitlistBySpecialty(r.Context(), detail.Specialty)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		ranked := matching.Rank(waitlist, matching.Context{
			ClinicLat: detail.ClinicLat,
			ClinicLng: detail.ClinicLng,
			StartsAt:  detail.StartsAt,
		})
		if len(ranked) > 10 {
			ranked = ranked[:10]
		}

		candidates := make([]CandidateResponse, 0, len(ranked))
		for _, c := range ranked {
			candidates = append(candidates, CandidateResponse{
				PatientID:        c.Entry.Entry.PatientID,
				PatientName:      c.Entry.Patient.Name,
				Phone:            c.Entry.Patient.Phone,
				Score:            c.Score,
				DistanceKm:       c.DistanceKm,
				CanArriveMinutes: c.CanArriveMinutes,
				Reasons:          candidateReasons(c),
			})
		}

		patientName := ""
		if detail.Patient != nil {
			patientName = detail.Patient.Name
		}

		assessment := scorer.Assess(r.Context(), detail.Appointment, detail.Patient)

		writeJSON(w, http.StatusOK, AppointmentDetailResponse{
			Appointment: appointmentResponse(detail.Appointment, patientName),
			Risk:        assessment,
			Ranked:      candidates,
		})
	}
}

func candidateReasons(c matching.Candidate) []string {
	reasons := []string{}
	if c.DistanceKm != nil {
		if *c.DistanceKm <= c.Entry.Entry.RadiusKm {
			reasons = append(reasons, "within radius")
		}
		if *c.DistanceKm < c.Entry.Entry.RadiusKm/2 {
			reasons = append(reasons, "close by")
		}
	}
	if c.CanArriveMinutes != nil {
		reasons = append(reasons, "can arrive in time")
	}
	if c.Entry.Entry.Warmed {
		reasons = append(reasons, "pre-warmed")
	}
	if c.Entry.Patient.PastNoShows == 0 {
		reasons = append(reasons, "reliable history")
	} else if c.Entry.Patient.PastNoShows >= 2 {
		reasons = append(reasons, "some no-shows")
	}
	return reasons
}

// Keyword sets recognized by the inbound SMS webhook.
var (
	acceptKeywords  = map[string]bool{"1": true, "Y": true, "YES": true, "ACCEPT": true}
	declineKeywords = map[string]bool{"N": true, "NO": true, "2": true, "SKIP": true}
)

// inboundSMSHandler is the Twilio webhook. Twilio retries non-2xx
// responses, so everything past input validation answers 200 with an ok
// flag instead of an error status.
func inboundSMSHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_form", "could not parse form body")
			return
		}

		from := r.PostFormValue("From")
		if from == "" {
			from = r.PostFormValue("from")
		}
		if from == "" {
			writeError(w, http.StatusBadRequest, "missing_from", "From is required")
			return
		}

		rawBody := r.PostFormValue("Body")
		if rawBody == "" {
			rawBody = r.PostFormValue("body")
		}
		body := strings.ToUpper(strings.TrimSpace(rawBody))
		ctx := r.Context()

		switch {
		case acceptKeywords[body]:
			appt, err := svc.AcceptOfferForPhone(ctx, from)
			if err != nil {
				writeJSON(w, http.StatusOK, InboundSMSResponse{OK: false, Message: inboundFailureMessage(err)})
				return
			}
			writeJSON(w, http.StatusOK, InboundSMSResponse{
				OK:      true,
				Message: "Confirmed for " + appt.StartsAt.Format("Mon Jan 2 15:04"),
			})

		case declineKeywords[body]:
			if err := svc.DeclineOfferForPhone(ctx, from); err != nil {
				writeJSON(w, http.StatusOK, InboundSMSResponse{OK: false, Message: inboundFailureMessage(err)})
				return
			}
			writeJSON(w, http.StatusOK, InboundSMSResponse{OK: true, Message: "Offer skipped"})

		case body == "READY":
			if err := svc.MarkReadyForPhone(ctx, from); err != nil {
				writeJSON(w, http.StatusOK, InboundSMSResponse{OK: false, Message: inboundFailureMessage(err)})
				return
			}
			writeJSON(w, http.StatusOK, InboundSMSResponse{OK: true})

		case body == "CANCEL":
			if _, err := svc.CancelNextForPhone(ctx, from); err != nil {
				writeJSON(w, http.StatusOK, InboundSMSResponse{OK: false, Message: inboundFailureMessage(err)})
				return
			}
			writeJSON(w, http.StatusOK, InboundSMSResponse{OK: true, Message: "Appointment cancelled"})

		default:
			svc.LogUnknownInbound(ctx, from, body)
			writeJSON(w, http.StatusOK, InboundSMSResponse{OK: true})
		}
	}
}

func inboundFailureMessage(err error) string {
	switch {
	case errors.Is(err, offers.ErrPatientNotFound):
		return "We don't recognize this number."
	case errors.Is(err, offers.ErrNoActiveOffer):
		return "No active offer found. It may have expired."
	case errors.Is(err, offers.ErrAlreadyFilled):
		return "Sorry, that slot was just taken."
	case errors.Is(err, offers.ErrNoUpcomingAppointment):
		return "No upcoming appointment to cancel."
	case errors.Is(err, offers.ErrWaitlistEntryNotFound):
		return "You are not on a waitlist yet."
	default:
		return "Something went wrong, please try again."
	}
}

func dashboardSummaryHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.Summary(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func dashboardAppointmentsHandler(reader Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appts, err := reader.ListAppointments(r.Context(), 50)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		out := make([]AppointmentResponse, 0, len(appts))
		for _, a := range appts {
			name := ""
			if a.Patient != nil {
				name = a.Patient.Name
			}
			out = append(out, appointmentResponse(a.Appointment, name))
		}
		writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
	}
}

func dashboardOffersHandler(reader Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := reader.ListRecentOffers(r.Context(), 50)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		out := make([]OfferResponse, 0, len(list))
		for _, o := range list {
			out = append(out, OfferResponse{
				ID:            o.ID,
				AppointmentID: o.AppointmentID,
				PatientID:     o.PatientID,
				PatientName:   o.PatientName,
				Specialty:     o.Specialty,
				StartsAt:      o.StartsAt,
				Status:        string(o.Status),
				ExpiresAt:     o.ExpiresAt,
				RespondedAt:   o.RespondedAt,
				CreatedAt:     o.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"offers": out})
	}
}

func dashboardEventsHandler(reader Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := reader.ListRecentEvents(r.Context(), 50)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		out := make([]EventResponse, 0, len(events))
		for _, ev := range events {
			out = append(out, EventResponse{
				ID:        ev.ID,
				Kind:      ev.Kind,
				Details:   json.RawMessage(ev.Details),
				CreatedAt: ev.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": out})
	}
}

func specialtiesHandler(reader Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specialties, err := reader.ListSpecialties(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"specialties": specialties})
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, offers.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, offers.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, offers.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "offer_not_found", err.Error())
	case errors.Is(err, offers.ErrWaitlistEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	case errors.Is(err, offers.ErrNoUpcomingAppointment):
		writeError(w, http.StatusNotFound, "no_upcoming_appointment", err.Error())
	case errors.Is(err, offers.ErrAppointmentNotEligible):
		writeError(w, http.StatusConflict, "appointment_not_eligible", err.Error())
	case errors.Is(err, offers.ErrAlreadyFilled):
		writeError(w, http.StatusConflict, "appointment_already_filled", err.Error())
	case errors.Is(err, offers.ErrNoActiveOffer):
		writeError(w, http.StatusConflict, "no_active_offer", err.Error())
	case errors.Is(err, offers.ErrAppointmentBusy):
		writeError(w, http.StatusConflict, "appointment_busy", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
