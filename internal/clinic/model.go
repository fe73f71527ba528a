package clinic

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "SCHEDULED"
	StatusCancelled AppointmentStatus = "CANCELLED"
	StatusFilled    AppointmentStatus = "FILLED"
)

type OfferStatus string

const (
	OfferSent     OfferStatus = "SENT"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferExpired  OfferStatus = "EXPIRED"
	OfferRevoked  OfferStatus = "REVOKED"
)

type Patient struct {
	ID                  uuid.UUID
	Name                string
	Phone               string
	HomeLat             *float64
	HomeLng             *float64
	PastNoShows         int
	PastCancels         int
	AvgConfirmDelayDays float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WaitlistEntry is a patient's standing request to be notified of openings
// in a specialty. Priority and Warmed are the only fields mutated after
// creation.
type WaitlistEntry struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Specialty string
	RadiusKm  float64
	Priority  int
	Warmed    bool
	CreatedAt time.Time
}

type Appointment struct {
	ID          uuid.UUID
	Specialty   string
	StartsAt    time.Time
	DurationMin int
	Status      AppointmentStatus
	ClinicName  string
	ClinicLat   *float64
	ClinicLng   *float64
	PatientID   *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Offer is a time-boxed proposal of a specific slot to a specific patient.
// A SENT offer past ExpiresAt is treated as expired at read time; the
// EXPIRED status only ever gets written by the reconciliation sweep.
type Offer struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	Status        OfferStatus
	ExpiresAt     time.Time
	RespondedAt   *time.Time
	SMSSID        *string
	CreatedAt     time.Time
}

type EventLog struct {
	ID        int64
	Kind      string
	Details   []byte
	CreatedAt time.Time
}

// EntryWithPatient is the hydrated waitlist row the matcher scores.
type EntryWithPatient struct {
	Entry   WaitlistEntry
	Patient Patient
}

// AppointmentWithPatient hydrates an appointment with its assigned patient,
// if any.
type AppointmentWithPatient struct {
	Appointment
	Patient *Patient
}

// OfferDetail is the dashboard projection of an offer.
type OfferDetail struct {
	Offer
	PatientName string
	Specialty   string
	StartsAt    time.Time
}
