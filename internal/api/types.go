package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/internal/risk"
)

type IssueOffersRequest struct {
	AppointmentID string `json:"appointmentId"`
}

type IssueOffersResponse struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	Issued        int       `json:"issued"`
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	Specialty   string     `json:"specialty"`
	StartsAt    time.Time  `json:"startsAt"`
	DurationMin int        `json:"durationMin"`
	Status      string     `json:"status"`
	ClinicName  string     `json:"clinicName"`
	ClinicLat   *float64   `json:"clinicLat,omitempty"`
	ClinicLng   *float64   `json:"clinicLng,omitempty"`
	PatientID   *uuid.UUID `json:"patientId,omitempty"`
	PatientName string     `json:"patientName,omitempty"`
}

// CandidateResponse is one ranked waitlist candidate with human-readable
// reason badges for the dashboard.
type CandidateResponse struct {
	PatientID        uuid.UUID `json:"patientId"`
	PatientName      string    `json:"patientName"`
	Phone            string    `json:"phone"`
	Score            float64   `json:"score"`
	DistanceKm       *float64  `json:"distanceKm,omitempty"`
	CanArriveMinutes *int      `json:"canArriveMinutes,omitempty"`
	Reasons          []string  `json:"reasons"`
}

type AppointmentDetailResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Risk        risk.Assessment     `json:"risk"`
	Ranked      []CandidateResponse `json:"ranked"`
}

type OfferResponse struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointmentId"`
	PatientID     uuid.UUID  `json:"patientId"`
	PatientName   string     `json:"patientName"`
	Specialty     string     `json:"specialty"`
	StartsAt      time.Time  `json:"startsAt"`
	Status        string     `json:"status"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	RespondedAt   *time.Time `json:"respondedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type PrepStandbyResponse struct {
	Notified int `json:"notified"`
}

// InboundSMSResponse mirrors what the webhook tells the SMS provider. OK is
// false when the keyword was understood but could not be applied, with
// Message explaining why.
type InboundSMSResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func appointmentResponse(a clinic.Appointment, patientName string) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		Specialty:   a.Specialty,
		StartsAt:    a.StartsAt,
		DurationMin: a.DurationMin,
		Status:      string(a.Status),
		ClinicName:  a.ClinicName,
		ClinicLat:   a.ClinicLat,
		ClinicLng:   a.ClinicLng,
		PatientID:   a.PatientID,
		PatientName: patientName,
	}
}
