package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartwait/mediqueue/internal/config"
	"github.com/smartwait/mediqueue/internal/db"
)

// The simulator drives the running API the way a busy clinic day would:
// random cancellations open slots, offer batches go out, and fills race to
// claim them. Requests are throttled per worker so a laptop-sized stack is
// not flattened.
type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	CancelRatio float64
	FillRatio   float64
	ReadRatio   float64
	Throttle    time.Duration
	PostgresDSN string
}

type DataPool struct {
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) Add(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) Random(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]
	return avg, min, max, p50, p95
}

type Metrics struct {
	Cancel  OperationMetrics
	Fill    OperationMetrics
	Detail  OperationMetrics
	Summary OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d cancel=%.2f fill=%.2f read=%.2f throttle=%s",
		cfg.Duration, cfg.Workers, cfg.CancelRatio, cfg.FillRatio, cfg.ReadRatio, cfg.Throttle)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded %d scheduled appointments", len(dataPool.appointments))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 4),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.25),
		FillRatio:   getFloat("SIM_FILL_RATIO", 0.25),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.5),
		Throttle:    getDuration("SIM_THROTTLE", 250*time.Millisecond),
		PostgresDSN: baseCfg.PostgresDSN,
	}

	total := cfg.CancelRatio + cfg.FillRatio + cfg.ReadRatio
	if total > 0 {
		cfg.CancelRatio /= total
		cfg.FillRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Throttle <= 0 {
		return fmt.Errorf("SIM_THROTTLE must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM appointments
		WHERE status = 'SCHEDULED' AND starts_at > now()
	`)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.appointments = append(dataPool.appointments, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.appointments) == 0 {
		return nil, fmt.Errorf("no scheduled appointments, run the seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("running for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	ticker := time.NewTicker(s.config.Throttle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := rng.Float64()
			switch {
			case r < s.config.CancelRatio:
				s.doCancel(ctx, rng)
			case r < s.config.CancelRatio+s.config.FillRatio:
				s.doFill(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doDetail(ctx, rng)
				} else {
					s.doSummary(ctx)
				}
			}
		}
	}
}

// doCancel cancels a random appointment, which makes the API issue a fresh
// offer batch for it.
func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.Random(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.post(ctx, fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, apptID), nil)
	latency := time.Since(start)

	success, conflict := outcome(resp, err, http.StatusOK)
	s.metrics.Cancel.Record(latency, success, conflict)
}

// doFill auto-accepts the oldest active offer on a random appointment,
// racing other workers for the same slot.
func (s *Simulator) doFill(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.Random(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.post(ctx, fmt.Sprintf("%s/appointments/%s/simulate-fill", s.config.APIBaseURL, apptID), nil)
	latency := time.Since(start)

	success, conflict := outcome(resp, err, http.StatusOK)
	s.metrics.Fill.Record(latency, success, conflict)
}

func (s *Simulator) doDetail(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.Random(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, apptID), nil)
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success, _ := outcome(resp, err, http.StatusOK)
	s.metrics.Detail.Record(latency, success, false)
}

func (s *Simulator) doSummary(ctx context.Context) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/dashboard/summary", nil)
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success, _ := outcome(resp, err, http.StatusOK)
	s.metrics.Summary.Record(latency, success, false)
}

func (s *Simulator) post(ctx context.Context, url string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

func outcome(resp *http.Response, err error, wantStatus int) (success, conflict bool) {
	if err != nil || resp == nil {
		return false, false
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case wantStatus:
		return true, false
	case http.StatusConflict:
		return false, true
	default:
		return false, false
	}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Throttle: %s per worker\n", s.config.Throttle)
	fmt.Println()

	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Simulate Fill", &s.metrics.Fill)
	printOperationReport("Appointment Detail", &s.metrics.Detail)
	printOperationReport("Dashboard Summary", &s.metrics.Summary)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
