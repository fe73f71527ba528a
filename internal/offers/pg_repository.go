package offers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smartwait/mediqueue/internal/clinic"
)

// DB is the slice of pgxpool.Pool the repository needs; pgxmock satisfies
// it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool DB
}

func NewPgRepository(pool DB) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const patientColumns = `id, name, phone, home_lat, home_lng, past_no_shows, past_cancels, avg_confirm_delay_days, created_at, updated_at`

func scanPatient(row pgx.Row) (*clinic.Patient, error) {
	var p clinic.Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Phone,
		&p.HomeLat,
		&p.HomeLng,
		&p.PastNoShows,
		&p.PastCancels,
		&p.AvgConfirmDelayDays,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

const appointmentColumns = `id, specialty, starts_at, duration_min, status, clinic_name, clinic_lat, clinic_lng, patient_id, created_at, updated_at`

func scanAppointment(row pgx.Row) (*clinic.Appointment, error) {
	var a clinic.Appointment

	err := row.Scan(
		&a.ID,
		&a.Specialty,
		&a.StartsAt,
		&a.DurationMin,
		&a.Status,
		&a.ClinicName,
		&a.ClinicLat,
		&a.ClinicLng,
		&a.PatientID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

const offerColumns = `id, appointment_id, patient_id, status, expires_at, responded_at, sms_sid, created_at`

func scanOffer(row pgx.Row) (*clinic.Offer, error) {
	var o clinic.Offer

	err := row.Scan(
		&o.ID,
		&o.AppointmentID,
		&o.PatientID,
		&o.Status,
		&o.ExpiresAt,
		&o.RespondedAt,
		&o.SMSSID,
		&o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}

	return &o, nil
}

// Patient / appointment lookups

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*clinic.Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByPhone(ctx context.Context, phone string) (*clinic.Patient, error) {
	last10 := clinic.PhoneLast10(phone)
	if last10 == "" {
		return nil, ErrPatientNotFound
	}

	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE regexp_replace(phone, '\D', '', 'g') LIKE '%' || $1
		ORDER BY created_at ASC
		LIMIT 1
	`, last10)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*clinic.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*clinic.AppointmentWithPatient, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &clinic.AppointmentWithPatient{Appointment: *appt}
	if appt.PatientID != nil {
		row := r.pool.QueryRow(ctx, `
			SELECT `+patientColumns+`
			FROM patients
			WHERE id = $1
		`, *appt.PatientID)
		p, err := scanPatient(row)
		if err != nil && !errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		detail.Patient = p
	}

	return detail, nil
}

func (r *PgRepository) NextScheduledForPatient(ctx context.Context, patientID uuid.UUID) (*clinic.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND status = 'SCHEDULED'
		ORDER BY starts_at ASC
		LIMIT 1
	`, patientID)

	appt, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrNoUpcomingAppointment
	}
	return appt, err
}

func (r *PgRepository) ListUpcomingScheduled(ctx context.Context, after time.Time, limit int) ([]clinic.AppointmentWithPatient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.specialty, a.starts_at, a.duration_min, a.status, a.clinic_name, a.clinic_lat, a.clinic_lng, a.patient_id, a.created_at, a.updated_at,
		       p.id, p.name, p.phone, p.home_lat, p.home_lng, p.past_no_shows, p.past_cancels, p.avg_confirm_delay_days, p.created_at, p.updated_at
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.starts_at > $1 AND a.status = 'SCHEDULED'
		ORDER BY a.starts_at ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointmentsWithPatient(rows)
}

func (r *PgRepository) ListAppointments(ctx context.Context, limit int) ([]clinic.AppointmentWithPatient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.specialty, a.starts_at, a.duration_min, a.status, a.clinic_name, a.clinic_lat, a.clinic_lng, a.patient_id, a.created_at, a.updated_at,
		       p.id, p.name, p.phone, p.home_lat, p.home_lng, p.past_no_shows, p.past_cancels, p.avg_confirm_delay_days, p.created_at, p.updated_at
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		ORDER BY a.starts_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointmentsWithPatient(rows)
}

func collectAppointmentsWithPatient(rows pgx.Rows) ([]clinic.AppointmentWithPatient, error) {
	var result []clinic.AppointmentWithPatient
	for rows.Next() {
		var a clinic.Appointment
		var pID *uuid.UUID
		var pName, pPhone *string
		var pHomeLat, pHomeLng *float64
		var pNoShows, pCancels *int
		var pDelay *float64
		var pCreated, pUpdated *time.Time

		err := rows.Scan(
			&a.ID, &a.Specialty, &a.StartsAt, &a.DurationMin, &a.Status,
			&a.ClinicName, &a.ClinicLat, &a.ClinicLng, &a.PatientID, &a.CreatedAt, &a.UpdatedAt,
			&pID, &pName, &pPhone, &pHomeLat, &pHomeLng, &pNoShows, &pCancels, &pDelay, &pCreated, &pUpdated,
		)
		if err != nil {
			return nil, err
		}

		item := clinic.AppointmentWithPatient{Appointment: a}
		if pID != nil {
			item.Patient = &clinic.Patient{
				ID:                  *pID,
				Name:                deref(pName),
				Phone:               deref(pPhone),
				HomeLat:             pHomeLat,
				HomeLng:             pHomeLng,
				PastNoShows:         derefInt(pNoShows),
				PastCancels:         derefInt(pCancels),
				AvgConfirmDelayDays: derefFloat(pDelay),
				CreatedAt:           derefTime(pCreated),
				UpdatedAt:           derefTime(pUpdated),
			}
		}
		result = append(result, item)
	}

	return result, rows.Err()
}

// Waitlist

func (r *PgRepository) ListWaitlistBySpecialty(ctx context.Context, specialty string) ([]clinic.EntryWithPatient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.id, w.patient_id, w.specialty, w.radius_km, w.priority, w.warmed, w.created_at,
		       p.id, p.name, p.phone, p.home_lat, p.home_lng, p.past_no_shows, p.past_cancels, p.avg_confirm_delay_days, p.created_at, p.updated_at
		FROM waitlist_entries w
		JOIN patients p ON p.id = w.patient_id
		WHERE w.specialty = $1
		ORDER BY w.created_at ASC
	`, specialty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []clinic.EntryWithPatient
	for rows.Next() {
		var e clinic.EntryWithPatient
		err := rows.Scan(
			&e.Entry.ID, &e.Entry.PatientID, &e.Entry.Specialty, &e.Entry.RadiusKm, &e.Entry.Priority, &e.Entry.Warmed, &e.Entry.CreatedAt,
			&e.Patient.ID, &e.Patient.Name, &e.Patient.Phone, &e.Patient.HomeLat, &e.Patient.HomeLng,
			&e.Patient.PastNoShows, &e.Patient.PastCancels, &e.Patient.AvgConfirmDelayDays, &e.Patient.CreatedAt, &e.Patient.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}

	return result, rows.Err()
}

func (r *PgRepository) LatestWaitlistEntryForPatient(ctx context.Context, patientID uuid.UUID) (*clinic.WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, specialty, radius_km, priority, warmed, created_at
		FROM waitlist_entries
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, patientID)

	var e clinic.WaitlistEntry
	err := row.Scan(&e.ID, &e.PatientID, &e.Specialty, &e.RadiusKm, &e.Priority, &e.Warmed, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWaitlistEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *PgRepository) EnsureWaitlistEntry(ctx context.Context, patientID uuid.UUID, specialty string, radiusKm float64, priority int, warmed bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (id, patient_id, specialty, radius_km, priority, warmed, created_at)
		SELECT $1, $2, $3, $4, $5, $6, now()
		WHERE NOT EXISTS (
			SELECT 1 FROM waitlist_entries WHERE patient_id = $2 AND specialty = $3
		)
	`, uuid.New(), patientID, specialty, radiusKm, priority, warmed)
	if err != nil {
		return fmt.Errorf("ensure waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) WarmWaitlistEntry(ctx context.Context, entryID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET warmed = TRUE,
		    priority = priority + 1
		WHERE id = $1
	`, entryID)
	if err != nil {
		return fmt.Errorf("warm waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWaitlistEntryNotFound
	}
	return nil
}

// Offers

func (r *PgRepository) CreateOffer(ctx context.Context, appointmentID, patientID uuid.UUID, expiresAt time.Time) (*clinic.Offer, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO offers (id, appointment_id, patient_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, 'SENT', $4, now())
		RETURNING `+offerColumns+`
	`, uuid.New(), appointmentID, patientID, expiresAt)

	return scanOffer(row)
}

func (r *PgRepository) SetOfferSMSID(ctx context.Context, offerID uuid.UUID, sid string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE offers
		SET sms_sid = $2
		WHERE id = $1
	`, offerID, sid)
	if err != nil {
		return fmt.Errorf("set offer sms id: %w", err)
	}
	return nil
}

func (r *PgRepository) LatestActiveOfferForPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (*clinic.Offer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE patient_id = $1
		  AND status = 'SENT'
		  AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, patientID, now)

	offer, err := scanOffer(row)
	if errors.Is(err, ErrOfferNotFound) {
		return nil, ErrNoActiveOffer
	}
	return offer, err
}

func (r *PgRepository) ActiveOffersForAppointment(ctx context.Context, appointmentID uuid.UUID, now time.Time) ([]clinic.Offer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE appointment_id = $1
		  AND status = 'SENT'
		  AND expires_at > $2
		ORDER BY created_at ASC
	`, appointmentID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []clinic.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}

	return result, rows.Err()
}

func (r *PgRepository) UpdateOfferStatus(ctx context.Context, id uuid.UUID, from, to clinic.OfferStatus, respondedAt *time.Time) (*clinic.Offer, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE offers
		SET status = $2,
		    responded_at = COALESCE($3, responded_at)
		WHERE id = $1
		  AND status = $4
		RETURNING `+offerColumns+`
	`, id, to, respondedAt, from)

	return scanOffer(row)
}

func (r *PgRepository) ExpireStaleOffers(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE offers
		SET status = 'EXPIRED'
		WHERE status = 'SENT'
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale offers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AcceptOffer runs the accept triple-write in one transaction. The
// appointment fill goes first so a concurrent accept blocks on the
// appointment row and then fails its conditional update instead of
// deadlocking on sibling offer rows.
func (r *PgRepository) AcceptOffer(ctx context.Context, offerID, appointmentID, patientID uuid.UUID, respondedAt time.Time) (*clinic.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'FILLED',
		    patient_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'FILLED'
		RETURNING `+appointmentColumns+`
	`, appointmentID, patientID)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrAlreadyFilled
		}
		return nil, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE offers
		SET status = 'ACCEPTED',
		    responded_at = $2
		WHERE id = $1
		  AND status = 'SENT'
		  AND expires_at > $2
		RETURNING `+offerColumns+`
	`, offerID, respondedAt)

	if _, err := scanOffer(row); err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			return nil, ErrNoActiveOffer
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE offers
		SET status = 'REVOKED'
		WHERE appointment_id = $1
		  AND status = 'SENT'
		  AND id <> $2
	`, appointmentID, offerID)
	if err != nil {
		return nil, fmt.Errorf("revoke sibling offers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit accept tx: %w", err)
	}

	return appt, nil
}

// Appointment transitions

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID) (*clinic.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'CANCELLED',
		    patient_id = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id)

	return scanAppointment(row)
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev clinic.EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (kind, details, created_at)
		VALUES ($1, $2, COALESCE($3, now()))
	`, ev.Kind, ev.Details, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

// Dashboard reads

func (r *PgRepository) Summary(ctx context.Context) (*DashboardSummary, error) {
	var s DashboardSummary

	row := r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'SCHEDULED'),
			count(*) FILTER (WHERE status = 'CANCELLED'),
			count(*) FILTER (WHERE status = 'FILLED'),
			COALESCE(avg(EXTRACT(EPOCH FROM (starts_at - created_at)) / 86400.0)
				FILTER (WHERE status IN ('SCHEDULED', 'FILLED')), 0)
		FROM appointments
	`)
	if err := row.Scan(&s.Scheduled, &s.Cancelled, &s.Filled, &s.AvgWaitDays); err != nil {
		return nil, fmt.Errorf("summary appointments: %w", err)
	}

	row = r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'SENT'),
			count(*) FILTER (WHERE status = 'ACCEPTED')
		FROM offers
	`)
	if err := row.Scan(&s.OffersSent, &s.OffersAccepted); err != nil {
		return nil, fmt.Errorf("summary offers: %w", err)
	}

	row = r.pool.QueryRow(ctx, `SELECT count(*) FROM waitlist_entries WHERE warmed`)
	if err := row.Scan(&s.WarmedCount); err != nil {
		return nil, fmt.Errorf("summary waitlist: %w", err)
	}

	if s.AvgWaitDays < 0 {
		s.AvgWaitDays = 0
	}
	return &s, nil
}

func (r *PgRepository) ListRecentOffers(ctx context.Context, limit int) ([]clinic.OfferDetail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, o.appointment_id, o.patient_id, o.status, o.expires_at, o.responded_at, o.sms_sid, o.created_at,
		       p.name, a.specialty, a.starts_at
		FROM offers o
		JOIN patients p ON p.id = o.patient_id
		JOIN appointments a ON a.id = o.appointment_id
		ORDER BY o.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []clinic.OfferDetail
	for rows.Next() {
		var d clinic.OfferDetail
		err := rows.Scan(
			&d.ID, &d.AppointmentID, &d.PatientID, &d.Status, &d.ExpiresAt, &d.RespondedAt, &d.SMSSID, &d.CreatedAt,
			&d.PatientName, &d.Specialty, &d.StartsAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return result, rows.Err()
}

func (r *PgRepository) ListRecentEvents(ctx context.Context, limit int) ([]clinic.EventLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, details, created_at
		FROM event_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []clinic.EventLog
	for rows.Next() {
		var ev clinic.EventLog
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}

	return result, rows.Err()
}

func (r *PgRepository) ListSpecialties(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT specialty FROM appointments
		UNION
		SELECT DISTINCT specialty FROM waitlist_entries
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}

	return result, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
