package offers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartwait/mediqueue/internal/clinic"
	"github.com/smartwait/mediqueue/internal/config"
	"github.com/smartwait/mediqueue/internal/redisclient"
)

// fakeRepo is an in-memory Repository with the same conditional-write
// semantics as the Postgres implementation.
type fakeRepo struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]*clinic.Patient
	appointments map[uuid.UUID]*clinic.Appointment
	entries      map[uuid.UUID]*clinic.WaitlistEntry
	offers       map[uuid.UUID]*clinic.Offer
	events       []clinic.EventLog
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		patients:     map[uuid.UUID]*clinic.Patient{},
		appointments: map[uuid.UUID]*clinic.Appointment{},
		entries:      map[uuid.UUID]*clinic.WaitlistEntry{},
		offers:       map[uuid.UUID]*clinic.Offer{},
	}
}

func (f *fakeRepo) addPatient(p clinic.Patient) *clinic.Patient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.patients[p.ID] = &p
	return &p
}

func (f *fakeRepo) addAppointment(a clinic.Appointment) *clinic.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = clinic.StatusScheduled
	}
	f.appointments[a.ID] = &a
	return &a
}

func (f *fakeRepo) addEntry(e clinic.WaitlistEntry) *clinic.WaitlistEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.entries[e.ID] = &e
	return &e
}

func (f *fakeRepo) GetPatient(_ context.Context, id uuid.UUID) (*clinic.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) GetPatientByPhone(_ context.Context, phone string) (*clinic.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := clinic.PhoneLast10(phone)
	for _, p := range f.patients {
		if clinic.PhoneLast10(p.Phone) == want {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (f *fakeRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*clinic.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*clinic.AppointmentWithPatient, error) {
	a, err := f.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &clinic.AppointmentWithPatient{Appointment: *a}
	if a.PatientID != nil {
		f.mu.Lock()
		if p, ok := f.patients[*a.PatientID]; ok {
			cp := *p
			detail.Patient = &cp
		}
		f.mu.Unlock()
	}
	return detail, nil
}

func (f *fakeRepo) NextScheduledForPatient(_ context.Context, patientID uuid.UUID) (*clinic.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next *clinic.Appointment
	for _, a := range f.appointments {
		if a.Status != clinic.StatusScheduled || a.PatientID == nil || *a.PatientID != patientID {
			continue
		}
		if next == nil || a.StartsAt.Before(next.StartsAt) {
			next = a
		}
	}
	if next == nil {
		return nil, ErrNoUpcomingAppointment
	}
	cp := *next
	return &cp, nil
}

func (f *fakeRepo) ListUpcomingScheduled(_ context.Context, after time.Time, limit int) ([]clinic.AppointmentWithPatient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clinic.AppointmentWithPatient
	for _, a := range f.appointments {
		if a.Status != clinic.StatusScheduled || !a.StartsAt.After(after) {
			continue
		}
		item := clinic.AppointmentWithPatient{Appointment: *a}
		if a.PatientID != nil {
			if p, ok := f.patients[*a.PatientID]; ok {
				cp := *p
				item.Patient = &cp
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ListWaitlistBySpecialty(_ context.Context, specialty string) ([]clinic.EntryWithPatient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clinic.EntryWithPatient
	for _, e := range f.entries {
		if e.Specialty != specialty {
			continue
		}
		p, ok := f.patients[e.PatientID]
		if !ok {
			continue
		}
		out = append(out, clinic.EntryWithPatient{Entry: *e, Patient: *p})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry.CreatedAt.Before(out[j].Entry.CreatedAt)
	})
	return out, nil
}

func (f *fakeRepo) LatestWaitlistEntryForPatient(_ context.Context, patientID uuid.UUID) (*clinic.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *clinic.WaitlistEntry
	for _, e := range f.entries {
		if e.PatientID != patientID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrWaitlistEntryNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRepo) EnsureWaitlistEntry(_ context.Context, patientID uuid.UUID, specialty string, radiusKm float64, priority int, warmed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.PatientID == patientID && e.Specialty == specialty {
			return nil
		}
	}
	id := uuid.New()
	f.entries[id] = &clinic.WaitlistEntry{
		ID:        id,
		PatientID: patientID,
		Specialty: specialty,
		RadiusKm:  radiusKm,
		Priority:  priority,
		Warmed:    warmed,
		CreatedAt: time.Now(),
	}
	return nil
}

func (f *fakeRepo) WarmWaitlistEntry(_ context.Context, entryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok {
		return ErrWaitlistEntryNotFound
	}
	e.Warmed = true
	e.Priority++
	return nil
}

func (f *fakeRepo) CreateOffer(_ context.Context, appointmentID, patientID uuid.UUID, expiresAt time.Time) (*clinic.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &clinic.Offer{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		PatientID:     patientID,
		Status:        clinic.OfferSent,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now(),
	}
	f.offers[o.ID] = o
	cp := *o
	return &cp, nil
}

func (f *fakeRepo) SetOfferSMSID(_ context.Context, offerID uuid.UUID, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	o.SMSSID = &sid
	return nil
}

func (f *fakeRepo) LatestActiveOfferForPatient(_ context.Context, patientID uuid.UUID, now time.Time) (*clinic.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *clinic.Offer
	for _, o := range f.offers {
		if o.PatientID != patientID || o.Status != clinic.OfferSent || !o.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	if latest == nil {
		return nil, ErrNoActiveOffer
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRepo) ActiveOffersForAppointment(_ context.Context, appointmentID uuid.UUID, now time.Time) ([]clinic.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clinic.Offer
	for _, o := range f.offers {
		if o.AppointmentID == appointmentID && o.Status == clinic.OfferSent && o.ExpiresAt.After(now) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRepo) UpdateOfferStatus(_ context.Context, id uuid.UUID, from, to clinic.OfferStatus, respondedAt *time.Time) (*clinic.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok || o.Status != from {
		return nil, ErrOfferNotFound
	}
	o.Status = to
	o.RespondedAt = respondedAt
	cp := *o
	return &cp, nil
}

func (f *fakeRepo) ExpireStaleOffers(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.offers {
		if o.Status == clinic.OfferSent && !o.ExpiresAt.After(now) {
			o.Status = clinic.OfferExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) AcceptOffer(_ context.Context, offerID, appointmentID, patientID uuid.UUID, respondedAt time.Time) (*clinic.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.appointments[appointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status == clinic.StatusFilled {
		return nil, ErrAlreadyFilled
	}

	o, ok := f.offers[offerID]
	if !ok || o.Status != clinic.OfferSent || !o.ExpiresAt.After(respondedAt) {
		return nil, ErrNoActiveOffer
	}

	a.Status = clinic.StatusFilled
	a.PatientID = &patientID
	o.Status = clinic.OfferAccepted
	o.RespondedAt = &respondedAt

	for _, sib := range f.offers {
		if sib.AppointmentID == appointmentID && sib.ID != offerID && sib.Status == clinic.OfferSent {
			sib.Status = clinic.OfferRevoked
			sib.RespondedAt = &respondedAt
		}
	}

	cp := *a
	return &cp, nil
}

func (f *fakeRepo) CancelAppointment(_ context.Context, id uuid.UUID) (*clinic.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = clinic.StatusCancelled
	a.PatientID = nil
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) InsertEvent(_ context.Context, ev clinic.EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) Summary(_ context.Context) (*DashboardSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &DashboardSummary{}
	for _, a := range f.appointments {
		switch a.Status {
		case clinic.StatusScheduled:
			s.Scheduled++
		case clinic.StatusCancelled:
			s.Cancelled++
		case clinic.StatusFilled:
			s.Filled++
		}
	}
	for _, o := range f.offers {
		s.OffersSent++
		if o.Status == clinic.OfferAccepted {
			s.OffersAccepted++
		}
	}
	for _, e := range f.entries {
		if e.Warmed {
			s.WarmedCount++
		}
	}
	return s, nil
}

func (f *fakeRepo) ListAppointments(_ context.Context, limit int) ([]clinic.AppointmentWithPatient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clinic.AppointmentWithPatient
	for _, a := range f.appointments {
		out = append(out, clinic.AppointmentWithPatient{Appointment: *a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ListRecentOffers(_ context.Context, limit int) ([]clinic.OfferDetail, error) {
	return nil, nil
}

func (f *fakeRepo) ListRecentEvents(_ context.Context, limit int) ([]clinic.EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]clinic.EventLog, len(f.events))
	copy(out, f.events)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeRepo) ListSpecialties(_ context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeRepo) eventKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (f *fakeRepo) offersForAppointment(id uuid.UUID) []clinic.Offer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clinic.Offer
	for _, o := range f.offers {
		if o.AppointmentID == id {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// fakeSender records outbound messages; phones in failFor error out.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string // recipient phone numbers in send order
	bodies  []string
	failFor map[string]bool
}

func (s *fakeSender) SendSMS(_ context.Context, to, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[to] {
		return "", errors.New("carrier rejected")
	}
	s.sent = append(s.sent, to)
	s.bodies = append(s.bodies, body)
	return "SM" + uuid.NewString()[:8], nil
}

func (s *fakeSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// noopLocker runs the callback without any coordination.
type noopLocker struct{}

func (noopLocker) WithAppointmentLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// busyLocker always reports the lock as held elsewhere.
type busyLocker struct{}

func (busyLocker) WithAppointmentLock(context.Context, uuid.UUID, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func testConfig() config.Config {
	return config.Config{
		OfferTopN:      3,
		OfferExpiry:    5 * time.Minute,
		MinPrepMinutes: 30,
	}
}

func newTestService(repo Repository, sender *fakeSender, cfg config.Config) *Service {
	return NewService(repo, noopLocker{}, sender, nil, cfg, nil)
}

func seedWaitlist(repo *fakeRepo, specialty string, n int) []*clinic.Patient {
	base := time.Now().Add(-24 * time.Hour)
	patients := make([]*clinic.Patient, 0, n)
	for i := 0; i < n; i++ {
		p := repo.addPatient(clinic.Patient{
			Name:  "Patient " + string(rune('A'+i)),
			Phone: "+140355500" + string(rune('0'+i)),
		})
		repo.addEntry(clinic.WaitlistEntry{
			PatientID: p.ID,
			Specialty: specialty,
			RadiusKm:  25,
			Priority:  n - i, // earlier patients rank higher
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		patients = append(patients, p)
	}
	return patients
}

func TestIssueOffers_TopRankedReceiveOffers(t *testing.T) {
	repo := newFakeRepo()
	patients := seedWaitlist(repo, "Dermatology", 5)
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Dermatology",
		StartsAt:  time.Now().Add(3 * time.Hour),
	})

	sender := &fakeSender{}
	svc := newTestService(repo, sender, testConfig())

	issued, err := svc.IssueOffers(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, issued)

	offers := repo.offersForAppointment(appt.ID)
	require.Len(t, offers, 3)
	for _, o := range offers {
		assert.Equal(t, clinic.OfferSent, o.Status)
		assert.WithinDuration(t, time.Now().Add(5*time.Minute), o.ExpiresAt, 10*time.Second)
		assert.NotNil(t, o.SMSSID)
	}

	// Highest priority (earliest seeded) patients get the offers.
	want := []string{patients[0].Phone, patients[1].Phone, patients[2].Phone}
	assert.Equal(t, want, sender.recipients())

	kinds := repo.eventKinds()
	assert.Contains(t, kinds, EventOfferSent)
	assert.Contains(t, kinds, EventOfferBatchIssued)
}

func TestIssueOffers_FilledAppointmentRejected(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		Status:    clinic.StatusFilled,
		StartsAt:  time.Now().Add(time.Hour),
	})

	svc := newTestService(repo, &fakeSender{}, testConfig())

	_, err := svc.IssueOffers(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotEligible)
}

func TestIssueOffers_LockHeldElsewhere(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(time.Hour),
	})

	svc := NewService(repo, busyLocker{}, &fakeSender{}, nil, testConfig(), nil)

	_, err := svc.IssueOffers(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentBusy)
	assert.Empty(t, repo.offersForAppointment(appt.ID))
}

func TestIssueOffers_SMSFailureDoesNotFailBatch(t *testing.T) {
	repo := newFakeRepo()
	patients := seedWaitlist(repo, "Dermatology", 3)
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Dermatology",
		StartsAt:  time.Now().Add(2 * time.Hour),
	})

	sender := &fakeSender{failFor: map[string]bool{patients[1].Phone: true}}
	svc := newTestService(repo, sender, testConfig())

	issued, err := svc.IssueOffers(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, issued)
	assert.Len(t, repo.offersForAppointment(appt.ID), 3)
	assert.Contains(t, repo.eventKinds(), EventSMSError)
}

func TestIssueOffers_SuppressSMS(t *testing.T) {
	repo := newFakeRepo()
	seedWaitlist(repo, "Dermatology", 3)
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Dermatology",
		StartsAt:  time.Now().Add(2 * time.Hour),
	})

	cfg := testConfig()
	cfg.SuppressSMS = true
	sender := &fakeSender{}
	svc := newTestService(repo, sender, cfg)

	issued, err := svc.IssueOffers(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, issued)
	assert.Empty(t, sender.recipients())
}

func TestIssueOffers_DemoPhonesGoFirst(t *testing.T) {
	repo := newFakeRepo()
	patients := seedWaitlist(repo, "Dermatology", 4)
	demo := patients[3] // lowest ranked without the allow-list
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Dermatology",
		StartsAt:  time.Now().Add(2 * time.Hour),
	})

	cfg := testConfig()
	cfg.DemoAllowedPhones = []string{demo.Phone}
	sender := &fakeSender{}
	svc := newTestService(repo, sender, cfg)

	issued, err := svc.IssueOffers(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, issued)

	// Only the allow-listed phone receives a real text, and it is first in
	// the batch.
	assert.Equal(t, []string{demo.Phone}, sender.recipients())
}

func TestAcceptOfferForPhone(t *testing.T) {
	repo := newFakeRepo()
	winner := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	other := repo.addPatient(clinic.Patient{Name: "Ben", Phone: "+14035550002"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	expires := time.Now().Add(5 * time.Minute)
	win, err := repo.CreateOffer(ctx, appt.ID, winner.ID, expires)
	require.NoError(t, err)
	_, err = repo.CreateOffer(ctx, appt.ID, other.ID, expires)
	require.NoError(t, err)

	sender := &fakeSender{}
	svc := newTestService(repo, sender, testConfig())

	filled, err := svc.AcceptOfferForPhone(ctx, winner.Phone)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusFilled, filled.Status)
	require.NotNil(t, filled.PatientID)
	assert.Equal(t, winner.ID, *filled.PatientID)

	offers := repo.offersForAppointment(appt.ID)
	byID := map[uuid.UUID]clinic.Offer{}
	for _, o := range offers {
		byID[o.ID] = o
	}
	assert.Equal(t, clinic.OfferAccepted, byID[win.ID].Status)
	for _, o := range offers {
		if o.ID != win.ID {
			assert.Equal(t, clinic.OfferRevoked, o.Status)
		}
	}

	// Confirmation went to the winner only.
	assert.Equal(t, []string{winner.Phone}, sender.recipients())
	assert.Contains(t, repo.eventKinds(), EventOfferAccepted)
}

func TestAcceptOfferForPhone_ConcurrentSingleWinner(t *testing.T) {
	repo := newFakeRepo()
	p1 := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	p2 := repo.addPatient(clinic.Patient{Name: "Ben", Phone: "+14035550002"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	expires := time.Now().Add(5 * time.Minute)
	_, err := repo.CreateOffer(ctx, appt.ID, p1.ID, expires)
	require.NoError(t, err)
	_, err = repo.CreateOffer(ctx, appt.ID, p2.ID, expires)
	require.NoError(t, err)

	svc := newTestService(repo, &fakeSender{}, testConfig())

	results := make(chan error, 2)
	for _, phone := range []string{p1.Phone, p2.Phone} {
		go func(phone string) {
			_, err := svc.AcceptOfferForPhone(ctx, phone)
			results <- err
		}(phone)
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyFilled) || errors.Is(err, ErrNoActiveOffer):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusFilled, got.Status)
}

func TestAcceptOfferForPhone_NoActiveOffer(t *testing.T) {
	repo := newFakeRepo()
	p := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	// Already past its deadline.
	_, err := repo.CreateOffer(ctx, appt.ID, p.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	svc := newTestService(repo, &fakeSender{}, testConfig())

	_, err = svc.AcceptOfferForPhone(ctx, p.Phone)
	assert.ErrorIs(t, err, ErrNoActiveOffer)
}

func TestDeclineOfferForPhone(t *testing.T) {
	repo := newFakeRepo()
	p := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, appt.ID, p.ID, time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	svc := newTestService(repo, &fakeSender{}, testConfig())

	require.NoError(t, svc.DeclineOfferForPhone(ctx, p.Phone))

	got := repo.offersForAppointment(appt.ID)
	require.Len(t, got, 1)
	assert.Equal(t, offer.ID, got[0].ID)
	assert.Equal(t, clinic.OfferRevoked, got[0].Status)
	assert.NotNil(t, got[0].RespondedAt)

	// Slot stays open.
	a, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusScheduled, a.Status)
}

func TestCancelAppointment_ReoffersWaitlist(t *testing.T) {
	repo := newFakeRepo()
	seedWaitlist(repo, "Dermatology", 4)
	holder := repo.addPatient(clinic.Patient{Name: "Holder", Phone: "+14035559999"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Dermatology",
		StartsAt:  time.Now().Add(3 * time.Hour),
		PatientID: &holder.ID,
	})

	sender := &fakeSender{}
	svc := newTestService(repo, sender, testConfig())

	cancelled, err := svc.CancelAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.PatientID)

	assert.Len(t, repo.offersForAppointment(appt.ID), 3)
	kinds := repo.eventKinds()
	assert.Contains(t, kinds, EventAppointmentCancelled)
	assert.Contains(t, kinds, EventOfferBatchIssued)
}

func TestCancelNextForPhone(t *testing.T) {
	repo := newFakeRepo()
	p := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	later := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(72 * time.Hour),
		PatientID: &p.ID,
	})
	soon := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(2 * time.Hour),
		PatientID: &p.ID,
	})

	svc := newTestService(repo, &fakeSender{}, testConfig())

	cancelled, err := svc.CancelNextForPhone(context.Background(), p.Phone)
	require.NoError(t, err)
	assert.Equal(t, soon.ID, cancelled.ID)

	stillScheduled, err := repo.GetAppointmentByID(context.Background(), later.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusScheduled, stillScheduled.Status)
}

func TestCancelNextForPhone_NothingToCancel(t *testing.T) {
	repo := newFakeRepo()
	p := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})

	svc := newTestService(repo, &fakeSender{}, testConfig())

	_, err := svc.CancelNextForPhone(context.Background(), p.Phone)
	assert.ErrorIs(t, err, ErrNoUpcomingAppointment)
}

func TestMarkReadyForPhone(t *testing.T) {
	repo := newFakeRepo()
	p := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	entry := repo.addEntry(clinic.WaitlistEntry{
		PatientID: p.ID,
		Specialty: "Dermatology",
		Priority:  1,
		CreatedAt: time.Now(),
	})

	svc := newTestService(repo, &fakeSender{}, testConfig())

	require.NoError(t, svc.MarkReadyForPhone(context.Background(), p.Phone))

	repo.mu.Lock()
	got := *repo.entries[entry.ID]
	repo.mu.Unlock()
	assert.True(t, got.Warmed)
	assert.Equal(t, 2, got.Priority)
	assert.Contains(t, repo.eventKinds(), EventWaitlistReady)
}

func TestSimulateFill(t *testing.T) {
	repo := newFakeRepo()
	p1 := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, appt.ID, p1.ID, time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	svc := newTestService(repo, &fakeSender{}, testConfig())

	filled, err := svc.SimulateFill(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusFilled, filled.Status)
	require.NotNil(t, filled.PatientID)
	assert.Equal(t, offer.PatientID, *filled.PatientID)
}

func TestSimulateFill_PrefersNonDemoRecipient(t *testing.T) {
	repo := newFakeRepo()
	demo := repo.addPatient(clinic.Patient{Name: "Demo", Phone: "+14035550099"})
	other := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	first, err := repo.CreateOffer(ctx, appt.ID, demo.ID, time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	repo.offers[first.ID].CreatedAt = time.Now().Add(-time.Minute)
	_, err = repo.CreateOffer(ctx, appt.ID, other.ID, time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.DemoAllowedPhones = []string{demo.Phone}
	svc := newTestService(repo, &fakeSender{}, cfg)

	filled, err := svc.SimulateFill(ctx, appt.ID)
	require.NoError(t, err)
	require.NotNil(t, filled.PatientID)
	assert.Equal(t, other.ID, *filled.PatientID)
}

func TestSimulateFill_NoOffers(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	svc := newTestService(repo, &fakeSender{}, testConfig())

	_, err := svc.SimulateFill(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrNoActiveOffer)
}

func TestExpireStaleOffers(t *testing.T) {
	repo := newFakeRepo()
	p := repo.addPatient(clinic.Patient{Name: "Ada", Phone: "+14035550001"})
	appt := repo.addAppointment(clinic.Appointment{
		Specialty: "Cardiology",
		StartsAt:  time.Now().Add(4 * time.Hour),
	})

	ctx := context.Background()
	stale, err := repo.CreateOffer(ctx, appt.ID, p.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	fresh, err := repo.CreateOffer(ctx, appt.ID, p.ID, time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	svc := newTestService(repo, &fakeSender{}, testConfig())

	n, err := svc.ExpireStaleOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	offers := repo.offersForAppointment(appt.ID)
	byID := map[uuid.UUID]clinic.Offer{}
	for _, o := range offers {
		byID[o.ID] = o
	}
	assert.Equal(t, clinic.OfferExpired, byID[stale.ID].Status)
	assert.Equal(t, clinic.OfferSent, byID[fresh.ID].Status)
}

// nextWeekdayAt returns the next future occurrence of the weekday at the
// given hour, at least a day out.
func nextWeekdayAt(day time.Weekday, hour int) time.Time {
	t := time.Now().UTC().AddDate(0, 0, 1)
	for t.Weekday() != day {
		t = t.AddDate(0, 0, 1)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, time.UTC)
}

func TestPrepStandby_WarmsCandidatesForRiskySlot(t *testing.T) {
	repo := newFakeRepo()

	// A patient with a heavy no-show history holding a long Monday morning
	// mental health slot scores well above the standby threshold.
	risky := repo.addPatient(clinic.Patient{
		Name:        "Flaky",
		Phone:       "+14035550099",
		PastNoShows: 3,
	})
	startsAt := nextWeekdayAt(time.Monday, 8)
	repo.addAppointment(clinic.Appointment{
		Specialty:   "Mental Health",
		StartsAt:    startsAt,
		DurationMin: 60,
		PatientID:   &risky.ID,
	})

	standby := repo.addPatient(clinic.Patient{Name: "Ready", Phone: "+14035550001"})
	entry := repo.addEntry(clinic.WaitlistEntry{
		PatientID: standby.ID,
		Specialty: "Mental Health",
		Priority:  1,
		CreatedAt: time.Now(),
	})

	sender := &fakeSender{}
	svc := newTestService(repo, sender, testConfig())

	notified, err := svc.PrepStandby(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	repo.mu.Lock()
	got := *repo.entries[entry.ID]
	repo.mu.Unlock()
	assert.True(t, got.Warmed)
	assert.Equal(t, []string{standby.Phone}, sender.recipients())
	assert.Contains(t, repo.eventKinds(), EventStandbyPrepSent)
}

func TestPrepStandby_SkipsLowRiskSlot(t *testing.T) {
	repo := newFakeRepo()

	// Midweek midday surgery slot with a clean history stays low risk.
	reliable := repo.addPatient(clinic.Patient{Name: "Solid", Phone: "+14035550099"})
	startsAt := nextWeekdayAt(time.Tuesday, 13)
	repo.addAppointment(clinic.Appointment{
		Specialty:   "Surgery",
		StartsAt:    startsAt,
		DurationMin: 30,
		PatientID:   &reliable.ID,
	})

	standby := repo.addPatient(clinic.Patient{Name: "Ready", Phone: "+14035550001"})
	repo.addEntry(clinic.WaitlistEntry{
		PatientID: standby.ID,
		Specialty: "Surgery",
		CreatedAt: time.Now(),
	})

	sender := &fakeSender{}
	svc := newTestService(repo, sender, testConfig())

	notified, err := svc.PrepStandby(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notified)
	assert.Empty(t, sender.recipients())
}

func TestSummary_IncludesHeuristicHighRiskCount(t *testing.T) {
	repo := newFakeRepo()
	risky := repo.addPatient(clinic.Patient{
		Name:        "Flaky",
		Phone:       "+14035550099",
		PastNoShows: 3,
	})
	repo.addAppointment(clinic.Appointment{
		Specialty:   "Mental Health",
		StartsAt:    nextWeekdayAt(time.Monday, 8),
		DurationMin: 60,
		PatientID:   &risky.ID,
	})

	svc := newTestService(repo, &fakeSender{}, testConfig())

	summary, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scheduled)
	assert.Equal(t, 1, summary.HighRisk)
}
