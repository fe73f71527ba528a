package offers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/internal/config"
	"github.com/smartwait/mediqueue/internal/matching"
	"github.com/smartwait/mediqueue/internal/observability/metrics"
	"github.com/smartwait/mediqueue/internal/redisclient"
	"github.com/smartwait/mediqueue/internal/risk"
	"github.com/smartwait/mediqueue/internal/sms"
	"github.com/smartwait/mediqueue/pkg/logging"
)

const (
	EventOfferSent            = "OFFER_SENT"
	EventOfferAccepted        = "OFFER_ACCEPTED"
	EventOfferDeclined        = "OFFER_DECLINED"
	EventOfferBatchIssued     = "OFFER_BATCH_ISSUED"
	EventOffersExpired        = "OFFERS_EXPIRED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventWaitlistReady        = "WAITLIST_READY"
	EventStandbyPrepSent      = "STANDBY_PREP_SENT"
	EventSMSError             = "SMS_ERROR"
	EventSMSUnknown           = "SMS_UNKNOWN"
)

// ErrAppointmentBusy means another caller holds the per-appointment lock;
// the operation can be retried shortly.
var ErrAppointmentBusy = errors.New("appointment is being processed, please retry")

// Service is the offer lifecycle: it is the only writer of offers and of
// offer-driven appointment transitions, which is what keeps the
// one-accepted-offer-per-appointment invariant enforceable.
type Service struct {
	repo    Repository
	locker  redisclient.Locker
	sender  sms.Sender
	metrics *metrics.OfferMetrics
	cfg     config.Config
	logger  *logging.Logger
}

func NewService(repo Repository, locker redisclient.Locker, sender sms.Sender, m *metrics.OfferMetrics, cfg config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.OfferTopN <= 0 {
		cfg.OfferTopN = 3
	}
	if cfg.OfferExpiry <= 0 {
		cfg.OfferExpiry = 5 * time.Minute
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		sender:  sender,
		metrics: m,
		cfg:     cfg,
		logger:  logger.Named("offers"),
	}
}

// IssueOffers ranks the specialty's waitlist for an open appointment and
// creates SENT offers for the top candidates, notifying each by SMS. The
// per-appointment lock prevents a cancellation racing an automated re-offer
// from double-issuing a batch.
func (s *Service) IssueOffers(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	var issued int
	err := s.locker.WithAppointmentLock(ctx, appointmentID, func(lockCtx context.Context) error {
		n, err := s.issueOffersLocked(lockCtx, appointmentID)
		issued = n
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return 0, ErrAppointmentBusy
	}
	return issued, err
}

func (s *Service) issueOffersLocked(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status != clinic.StatusScheduled && appt.Status != clinic.StatusCancelled {
		return 0, ErrAppointmentNotEligible
	}

	// Make sure demo phones hold a waitlist entry for this specialty so the
	// allow-list can place them first.
	allowed := s.allowedPhoneSet()
	for phone := range allowed {
		patient, err := s.repo.GetPatientByPhone(ctx, phone)
		if err != nil {
			if errors.Is(err, ErrPatientNotFound) {
				continue
			}
			return 0, fmt.Errorf("load demo patient: %w", err)
		}
		if err := s.repo.EnsureWaitlistEntry(ctx, patient.ID, appt.Specialty, 50, 5, true); err != nil {
			return 0, err
		}
	}

	waitlist, err := s.repo.ListWaitlistBySpecialty(ctx, appt.Specialty)
	if err != nil {
		return 0, fmt.Errorf("load waitlist: %w", err)
	}

	ranked := matching.Rank(waitlist, matching.Context{
		ClinicLat:      appt.ClinicLat,
		ClinicLng:      appt.ClinicLng,
		StartsAt:       appt.StartsAt,
		MinPrepMinutes: s.cfg.MinPrepMinutes,
	})
	selected := s.selectCandidates(ranked, allowed)

	now := time.Now()
	expiresAt := now.Add(s.cfg.OfferExpiry)
	expiryMinutes := int(s.cfg.OfferExpiry.Minutes())

	for _, c := range selected {
		offer, err := s.repo.CreateOffer(ctx, appt.ID, c.Entry.Entry.PatientID, expiresAt)
		if err != nil {
			return 0, fmt.Errorf("create offer: %w", err)
		}

		body := fmt.Sprintf("SmartWait: A slot for %s at %s. Reply 1 to accept in %d min. Reply N to skip.",
			appt.Specialty, appt.StartsAt.Format("Mon Jan 2 15:04"), expiryMinutes)
		s.dispatchOfferSMS(ctx, offer, c.Entry.Patient, allowed, body)

		s.logEvent(ctx, EventOfferSent, map[string]any{
			"appointmentId": appt.ID.String(),
			"patientId":     c.Entry.Entry.PatientID.String(),
			"offerId":       offer.ID.String(),
			"patientName":   c.Entry.Patient.Name,
			"specialty":     appt.Specialty,
		})
	}

	s.metrics.ObserveIssued(len(selected))
	s.logEvent(ctx, EventOfferBatchIssued, map[string]any{
		"appointmentId": appt.ID.String(),
		"count":         len(selected),
	})

	return len(selected), nil
}

// selectCandidates takes the top N of the ranked list; when a demo
// allow-list is configured, its members go first regardless of score.
func (s *Service) selectCandidates(ranked []matching.Candidate, allowed map[string]bool) []matching.Candidate {
	topN := s.cfg.OfferTopN
	if len(allowed) > 0 {
		preferred := make([]matching.Candidate, 0, len(ranked))
		others := make([]matching.Candidate, 0, len(ranked))
		for _, c := range ranked {
			if allowed[clinic.NormalizePhone(c.Entry.Patient.Phone)] {
				preferred = append(preferred, c)
			} else {
				others = append(others, c)
			}
		}
		ranked = append(preferred, others...)
	}
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// dispatchOfferSMS sends one offer notification. Failures are logged and
// event-logged per recipient, never failing the batch.
func (s *Service) dispatchOfferSMS(ctx context.Context, offer *clinic.Offer, patient clinic.Patient, allowed map[string]bool, body string) {
	if s.cfg.SuppressSMS {
		s.metrics.ObserveSMS("suppressed")
		return
	}
	// With an allow-list configured, only its members receive real texts.
	if len(allowed) > 0 && !allowed[clinic.NormalizePhone(patient.Phone)] {
		s.metrics.ObserveSMS("skipped")
		return
	}

	sid, err := s.sender.SendSMS(ctx, patient.Phone, body)
	if err != nil {
		s.metrics.ObserveSMS("error")
		s.logger.Error("offer SMS failed", "offer_id", offer.ID, "patient_id", patient.ID, "error", err)
		s.logEvent(ctx, EventSMSError, map[string]any{
			"error":         err.Error(),
			"appointmentId": offer.AppointmentID.String(),
			"patientId":     patient.ID.String(),
		})
		return
	}

	s.metrics.ObserveSMS("sent")
	if sid != "" {
		if err := s.repo.SetOfferSMSID(ctx, offer.ID, sid); err != nil {
			s.logger.Error("store sms sid", "offer_id", offer.ID, "error", err)
		}
	}
}

// AcceptOfferForPhone resolves the patient's newest active offer and
// accepts it: that offer becomes ACCEPTED, its siblings REVOKED, and the
// appointment FILLED and assigned, all in one transaction. A concurrent
// accept for the same appointment loses with ErrAlreadyFilled.
func (s *Service) AcceptOfferForPhone(ctx context.Context, phone string) (*clinic.Appointment, error) {
	patient, err := s.repo.GetPatientByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	offer, err := s.repo.LatestActiveOfferForPatient(ctx, patient.ID, now)
	if err != nil {
		return nil, err
	}

	appt, err := s.repo.AcceptOffer(ctx, offer.ID, offer.AppointmentID, patient.ID, now)
	if err != nil {
		if errors.Is(err, ErrAlreadyFilled) {
			s.metrics.ObserveAcceptConflict()
		}
		return nil, err
	}

	s.metrics.ObserveOutcome("accepted")
	s.logEvent(ctx, EventOfferAccepted, map[string]any{
		"appointmentId": offer.AppointmentID.String(),
		"patientId":     patient.ID.String(),
		"offerId":       offer.ID.String(),
		"patientName":   patient.Name,
	})

	if !s.cfg.SuppressSMS {
		body := fmt.Sprintf("Confirmed. See you at %s. Text STOP to opt out.", appt.StartsAt.Format("Mon Jan 2 15:04"))
		if _, err := s.sender.SendSMS(ctx, patient.Phone, body); err != nil {
			s.metrics.ObserveSMS("error")
			s.logger.Error("confirmation SMS failed", "patient_id", patient.ID, "error", err)
		} else {
			s.metrics.ObserveSMS("sent")
		}
	}

	return appt, nil
}

// DeclineOfferForPhone revokes the patient's newest active offer. Expired
// offers are invisible here, so declining one reports ErrNoActiveOffer.
func (s *Service) DeclineOfferForPhone(ctx context.Context, phone string) error {
	patient, err := s.repo.GetPatientByPhone(ctx, phone)
	if err != nil {
		return err
	}

	now := time.Now()
	offer, err := s.repo.LatestActiveOfferForPatient(ctx, patient.ID, now)
	if err != nil {
		return err
	}

	if _, err := s.repo.UpdateOfferStatus(ctx, offer.ID, clinic.OfferSent, clinic.OfferRevoked, &now); err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			return ErrNoActiveOffer
		}
		return fmt.Errorf("decline offer: %w", err)
	}

	s.metrics.ObserveOutcome("declined")
	s.logEvent(ctx, EventOfferDeclined, map[string]any{
		"appointmentId": offer.AppointmentID.String(),
		"patientId":     patient.ID.String(),
		"offerId":       offer.ID.String(),
		"patientName":   patient.Name,
	})

	return nil
}

// CancelAppointment cancels a slot and immediately re-offers it to the
// waitlist. Offer issuance failures are logged, not surfaced: the
// cancellation itself has already happened.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*clinic.Appointment, error) {
	appt, err := s.repo.CancelAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventAppointmentCancelled, map[string]any{
		"appointmentId": appt.ID.String(),
	})

	if _, err := s.IssueOffers(ctx, appt.ID); err != nil {
		s.logger.Error("issue offers after cancellation", "appointment_id", appt.ID, "error", err)
	}

	return appt, nil
}

// CancelNextForPhone cancels the patient's next scheduled appointment, for
// the inbound CANCEL keyword.
func (s *Service) CancelNextForPhone(ctx context.Context, phone string) (*clinic.Appointment, error) {
	patient, err := s.repo.GetPatientByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	next, err := s.repo.NextScheduledForPatient(ctx, patient.ID)
	if err != nil {
		return nil, err
	}

	return s.CancelAppointment(ctx, next.ID)
}

// MarkReadyForPhone handles an affirmative READY reply: the patient's
// latest waitlist entry is warmed and its priority bumped.
func (s *Service) MarkReadyForPhone(ctx context.Context, phone string) error {
	patient, err := s.repo.GetPatientByPhone(ctx, phone)
	if err != nil {
		return err
	}

	entry, err := s.repo.LatestWaitlistEntryForPatient(ctx, patient.ID)
	if err != nil {
		return err
	}

	if err := s.repo.WarmWaitlistEntry(ctx, entry.ID); err != nil {
		return err
	}

	s.logEvent(ctx, EventWaitlistReady, map[string]any{
		"patientId":       patient.ID.String(),
		"waitlistEntryId": entry.ID.String(),
	})
	return nil
}

// SimulateFill auto-accepts the oldest active offer on an appointment. It
// drives the dashboard's "simulate fill" button.
func (s *Service) SimulateFill(ctx context.Context, appointmentID uuid.UUID) (*clinic.Appointment, error) {
	now := time.Now()
	active, err := s.repo.ActiveOffersForAppointment(ctx, appointmentID, now)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrNoActiveOffer
	}

	// Prefer a non-demo recipient so the simulator never snatches the slot
	// a live demo phone is about to accept.
	chosen := active[0]
	if allowed := s.allowedPhoneSet(); len(allowed) > 0 {
		for _, o := range active {
			p, err := s.repo.GetPatient(ctx, o.PatientID)
			if err != nil {
				continue
			}
			if !allowed[clinic.NormalizePhone(p.Phone)] {
				chosen = o
				break
			}
		}
	}

	appt, err := s.repo.AcceptOffer(ctx, chosen.ID, chosen.AppointmentID, chosen.PatientID, now)
	if err != nil {
		if errors.Is(err, ErrAlreadyFilled) {
			s.metrics.ObserveAcceptConflict()
		}
		return nil, err
	}

	s.metrics.ObserveOutcome("accepted")
	s.logEvent(ctx, EventOfferAccepted, map[string]any{
		"appointmentId": chosen.AppointmentID.String(),
		"patientId":     chosen.PatientID.String(),
		"offerId":       chosen.ID.String(),
		"simulated":     true,
	})

	return appt, nil
}

// PrepStandby scans upcoming scheduled appointments and, for those at high
// no-show risk, warms the top-ranked candidates and invites them to reply
// READY. Returns how many candidates were notified.
func (s *Service) PrepStandby(ctx context.Context) (int, error) {
	now := time.Now()
	upcoming, err := s.repo.ListUpcomingScheduled(ctx, now, 20)
	if err != nil {
		return 0, fmt.Errorf("list upcoming: %w", err)
	}

	notified := 0
	for _, a := range upcoming {
		if risk.Heuristic(a.Appointment, a.Patient) < risk.HighRiskThreshold {
			continue
		}

		waitlist, err := s.repo.ListWaitlistBySpecialty(ctx, a.Specialty)
		if err != nil {
			return notified, fmt.Errorf("load waitlist: %w", err)
		}

		ranked := matching.Rank(waitlist, matching.Context{
			ClinicLat:      a.ClinicLat,
			ClinicLng:      a.ClinicLng,
			StartsAt:       a.StartsAt,
			MinPrepMinutes: s.cfg.MinPrepMinutes,
			Now:            now,
		})
		if len(ranked) > s.cfg.OfferTopN {
			ranked = ranked[:s.cfg.OfferTopN]
		}

		for _, c := range ranked {
			if err := s.repo.WarmWaitlistEntry(ctx, c.Entry.Entry.ID); err != nil {
				s.logger.Error("warm waitlist entry", "entry_id", c.Entry.Entry.ID, "error", err)
				continue
			}
			if !s.cfg.SuppressSMS {
				body := fmt.Sprintf("SmartWait standby for %s in next 48h. Reply READY if available.", a.Specialty)
				if _, err := s.sender.SendSMS(ctx, c.Entry.Patient.Phone, body); err != nil {
					s.metrics.ObserveSMS("error")
					s.logger.Error("standby SMS failed", "patient_id", c.Entry.Patient.ID, "error", err)
				} else {
					s.metrics.ObserveSMS("sent")
				}
			}
			s.logEvent(ctx, EventStandbyPrepSent, map[string]any{
				"appointmentId": a.ID.String(),
				"patientId":     c.Entry.Entry.PatientID.String(),
			})
			notified++
		}
	}

	return notified, nil
}

// ExpireStaleOffers is the optional reconciliation sweep run by the expiry
// worker. Lazy expiry already hides stale offers from every active-offer
// query; this only makes the terminal status visible on dashboards.
func (s *Service) ExpireStaleOffers(ctx context.Context) (int, error) {
	n, err := s.repo.ExpireStaleOffers(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		for i := 0; i < n; i++ {
			s.metrics.ObserveOutcome("expired")
		}
		s.logEvent(ctx, EventOffersExpired, map[string]any{"count": n})
	}
	return n, nil
}

// Summary combines the repository's counters with a heuristic high-risk
// count over the next batch of upcoming scheduled appointments.
func (s *Service) Summary(ctx context.Context) (*DashboardSummary, error) {
	summary, err := s.repo.Summary(ctx)
	if err != nil {
		return nil, err
	}

	upcoming, err := s.repo.ListUpcomingScheduled(ctx, time.Now(), 50)
	if err != nil {
		return nil, err
	}
	for _, a := range upcoming {
		if risk.Heuristic(a.Appointment, a.Patient) >= risk.HighRiskThreshold {
			summary.HighRisk++
		}
	}

	return summary, nil
}

// LogUnknownInbound records an inbound message no keyword matched.
func (s *Service) LogUnknownInbound(ctx context.Context, from, body string) {
	s.logEvent(ctx, EventSMSUnknown, map[string]any{
		"from": from,
		"body": body,
	})
}

func (s *Service) allowedPhoneSet() map[string]bool {
	if len(s.cfg.DemoAllowedPhones) == 0 {
		return nil
	}
	set := make(map[string]bool, len(s.cfg.DemoAllowedPhones))
	for _, p := range s.cfg.DemoAllowedPhones {
		if n := clinic.NormalizePhone(p); n != "" {
			set[n] = true
		}
	}
	return set
}

func (s *Service) logEvent(ctx context.Context, kind string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event payload", "kind", kind, "error", err)
		data = nil
	}

	ev := clinic.EventLog{
		Kind:      kind,
		Details:   data,
		CreatedAt: time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Error("insert event log", "kind", kind, "error", err)
	}
}
