package main

import (
	"context"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartwait/mediqueue/internal/config"
	"github.com/smartwait/mediqueue/internal/db"
)

var specialties = []string{
	"Dermatology",
	"Mental Health",
	"Orthopedic Surgery",
	"Cardiology",
	"Oncology",
	"Neurology",
	"Ophthalmology",
}

var clinics = []struct {
	name     string
	lat, lng float64
}{
	{"Calgary Central", 51.047, -114.072},
	{"Edmonton West", 53.546, -113.494},
}

const (
	patientCount     = 40
	appointmentCount = 16
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := wipe(ctx, pool); err != nil {
		log.Fatalf("wipe: %v", err)
	}

	patientIDs, err := seedPatients(ctx, pool, cfg.DemoAllowedPhones)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedWaitlist(ctx, pool, patientIDs, len(cfg.DemoAllowedPhones)); err != nil {
		log.Fatalf("seed waitlist: %v", err)
	}
	if err := seedAppointments(ctx, pool); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func wipe(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range []string{"offers", "event_logs", "waitlist_entries", "appointments", "patients"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// seedPatients creates the demo patients first so they pick up the
// configured demo phone numbers, then fills the rest with fake ones spread
// around the two clinic cities.
func seedPatients(ctx context.Context, pool *pgxpool.Pool, demoPhones []string) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", patientCount)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, patientCount)
	for i := 0; i < patientCount; i++ {
		city := clinics[i%len(clinics)]
		id := uuid.New()

		phone := gofakeit.Phone()
		if i < len(demoPhones) {
			phone = demoPhones[i]
		}

		noShows := 0
		if gofakeit.Float64() < 0.3 {
			noShows = gofakeit.Number(0, 2)
		}
		cancels := 0
		if gofakeit.Float64() < 0.4 {
			cancels = gofakeit.Number(0, 2)
		}
		delayDays := 1.0
		if gofakeit.Float64() < 0.5 {
			delayDays = gofakeit.Float64Range(0, 4)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, phone, home_lat, home_lng, past_no_shows, past_cancels, avg_confirm_delay_days, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		`, id, gofakeit.Name(), phone,
			city.lat+gofakeit.Float64Range(-0.2, 0.2),
			city.lng+gofakeit.Float64Range(-0.2, 0.2),
			noShows, cancels, delayDays)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("patients seeded")
	return ids, nil
}

func seedWaitlist(ctx context.Context, pool *pgxpool.Pool, patientIDs []uuid.UUID, demoCount int) error {
	log.Printf("seeding %d waitlist entries", len(patientIDs))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i, patientID := range patientIDs {
		isDemo := i < demoCount
		priority := gofakeit.Number(0, 2)
		warmed := gofakeit.Float64() < 0.2
		if isDemo {
			priority = 3
			warmed = true
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO waitlist_entries (id, patient_id, specialty, radius_km, priority, warmed, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, uuid.New(), patientID,
			specialties[i%len(specialties)],
			float64(25+gofakeit.Number(0, 29)),
			priority, warmed)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("waitlist seeded")
	return nil
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool) error {
	log.Printf("seeding %d appointments", appointmentCount)

	durations := []int{30, 45, 60}
	now := time.Now()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < appointmentCount; i++ {
		city := clinics[i%len(clinics)]
		startsAt := now.Add(time.Duration(i+1) * time.Hour)

		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (id, specialty, starts_at, duration_min, status, clinic_name, clinic_lat, clinic_lng, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'SCHEDULED', $5, $6, $7, now(), now())
		`, uuid.New(), specialties[i%len(specialties)], startsAt,
			durations[i%len(durations)], city.name, city.lat, city.lng)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("appointments seeded")
	return nil
}
