package offers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smartwait/mediqueue/internal/clinic"
)

var (
	ErrPatientNotFound       = errors.New("patient not found")
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrOfferNotFound         = errors.New("offer not found")
	ErrWaitlistEntryNotFound = errors.New("waitlist entry not found")

	// ErrAppointmentNotEligible means the appointment's status forbids
	// issuing offers (it is already FILLED).
	ErrAppointmentNotEligible = errors.New("appointment not eligible for offers")

	// ErrNoActiveOffer means the patient has no SENT, unexpired offer.
	ErrNoActiveOffer = errors.New("no active offer")

	// ErrAlreadyFilled is what a losing concurrent accept observes.
	ErrAlreadyFilled = errors.New("appointment already filled")

	// ErrNoUpcomingAppointment means a cancel-by-phone found nothing to
	// cancel.
	ErrNoUpcomingAppointment = errors.New("no upcoming appointment")
)

// DashboardSummary aggregates the counters the dashboard landing page shows.
type DashboardSummary struct {
	Scheduled      int     `json:"scheduled"`
	Cancelled      int     `json:"cancelled"`
	Filled         int     `json:"filled"`
	OffersSent     int     `json:"offersSent"`
	OffersAccepted int     `json:"offersAccepted"`
	AvgWaitDays    float64 `json:"avgWaitDays"`
	WarmedCount    int     `json:"warmedCount"`
	HighRisk       int     `json:"highRisk"`
}

// Repository contains all DB interactions needed by the offer lifecycle.
type Repository interface {
	// Patient / appointment lookups.
	GetPatient(ctx context.Context, id uuid.UUID) (*clinic.Patient, error)
	GetPatientByPhone(ctx context.Context, phone string) (*clinic.Patient, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*clinic.Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*clinic.AppointmentWithPatient, error)
	NextScheduledForPatient(ctx context.Context, patientID uuid.UUID) (*clinic.Appointment, error)
	ListUpcomingScheduled(ctx context.Context, after time.Time, limit int) ([]clinic.AppointmentWithPatient, error)

	// Waitlist.
	ListWaitlistBySpecialty(ctx context.Context, specialty string) ([]clinic.EntryWithPatient, error)
	LatestWaitlistEntryForPatient(ctx context.Context, patientID uuid.UUID) (*clinic.WaitlistEntry, error)
	EnsureWaitlistEntry(ctx context.Context, patientID uuid.UUID, specialty string, radiusKm float64, priority int, warmed bool) error
	WarmWaitlistEntry(ctx context.Context, entryID uuid.UUID) error

	// Offers.
	CreateOffer(ctx context.Context, appointmentID, patientID uuid.UUID, expiresAt time.Time) (*clinic.Offer, error)
	SetOfferSMSID(ctx context.Context, offerID uuid.UUID, sid string) error
	LatestActiveOfferForPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (*clinic.Offer, error)
	ActiveOffersForAppointment(ctx context.Context, appointmentID uuid.UUID, now time.Time) ([]clinic.Offer, error)
	UpdateOfferStatus(ctx context.Context, id uuid.UUID, from, to clinic.OfferStatus, respondedAt *time.Time) (*clinic.Offer, error)
	ExpireStaleOffers(ctx context.Context, now time.Time) (int, error)

	// AcceptOffer performs the accept triple-write as one transaction:
	// conditionally fill the appointment (fails with ErrAlreadyFilled when a
	// concurrent accept won), mark the offer ACCEPTED (fails with
	// ErrNoActiveOffer when it is no longer SENT or has expired), and revoke
	// all sibling SENT offers.
	AcceptOffer(ctx context.Context, offerID, appointmentID, patientID uuid.UUID, respondedAt time.Time) (*clinic.Appointment, error)

	// Appointment transitions.
	CancelAppointment(ctx context.Context, id uuid.UUID) (*clinic.Appointment, error)

	// Event logging.
	InsertEvent(ctx context.Context, ev clinic.EventLog) error

	// Dashboard reads.
	Summary(ctx context.Context) (*DashboardSummary, error)
	ListAppointments(ctx context.Context, limit int) ([]clinic.AppointmentWithPatient, error)
	ListRecentOffers(ctx context.Context, limit int) ([]clinic.OfferDetail, error)
	ListRecentEvents(ctx context.Context, limit int) ([]clinic.EventLog, error)
	ListSpecialties(ctx context.Context) ([]string, error)
}
