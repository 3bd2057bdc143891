// README: Bench cases: environment, request flow, accept contention, capacity, batching and throughput.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	// run namespaces caller ids so repeated runs do not collide.
	run string
}

type Result struct {
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type caller struct {
	id, role string
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) passenger(n int) caller {
	return caller{id: fmt.Sprintf("bench-%s-p%d", r.run, n), role: "passenger"}
}

func (r *Runner) driver(n int) caller {
	return caller{id: fmt.Sprintf("bench-%s-d%d", r.run, n), role: "driver"}
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, _, err := r.call(ctx, caller{}, http.MethodGet, "/health", nil)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if status != http.StatusOK {
				return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", status)}
			}
			return Result{Status: statusPass, Latency: time.Since(start)}
		}},
		{Name: "Request: submit, duplicate and invalid", Run: submitFlow},
		{Name: "Accept: concurrent drivers, one winner", Run: concurrentAccept},
		{Name: "Accept: capacity bound under concurrency", Run: capacityBound},
		{Name: "Trip: batch, deliver and complete", Run: tripFlow},
		{Name: "Perf: submit throughput", Run: func(ctx context.Context, r *Runner) Result {
			var n atomic.Int64
			return r.perfLoad(ctx, func(ctx context.Context) (int, error) {
				who := r.passenger(int(n.Add(1)) + 100000)
				status, _, err := r.call(ctx, who, http.MethodPost, "/api/requests", map[string]any{"destination": "Library"})
				return status, err
			})
		}},
		{Name: "Perf: pool read throughput", Run: func(ctx context.Context, r *Runner) Result {
			who := r.driver(0)
			return r.perfLoad(ctx, func(ctx context.Context) (int, error) {
				status, _, err := r.call(ctx, who, http.MethodGet, "/api/drivers/pool", nil)
				return status, err
			})
		}},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not set"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not set"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not set"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass}
}

func submitFlow(ctx context.Context, r *Runner) Result {
	who := r.passenger(1)
	start := time.Now()
	if _, err := r.submit(ctx, who, "Library"); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	status, body, err := r.call(ctx, who, http.MethodPost, "/api/requests", map[string]any{"destination": "Gym"})
	if err != nil || status != http.StatusConflict || body["code"] != "ACTIVE_REQUEST" {
		return Result{Status: statusFail, Note: fmt.Sprintf("duplicate: status=%d code=%v err=%v", status, body["code"], err)}
	}
	status, _, err = r.call(ctx, r.passenger(2), http.MethodPost, "/api/requests", map[string]any{})
	if err != nil || status != http.StatusBadRequest {
		return Result{Status: statusFail, Note: fmt.Sprintf("invalid: status=%d err=%v", status, err)}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

// concurrentAccept races every driver on a single request.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	id, err := r.submit(ctx, r.passenger(10), "Library")
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
		startCh  = make(chan struct{})
	)
	begin := time.Now()
	for i := 0; i < r.cfg.Drivers; i++ {
		who := r.driver(100 + i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startCh
			status, _, err := r.call(ctx, who, http.MethodPost, "/api/requests/"+id+"/accept", map[string]any{"vehicle_id": r.cfg.Vehicle})
			if err != nil {
				status = -1
			}
			mu.Lock()
			statuses[status]++
			mu.Unlock()
		}()
	}
	close(startCh)
	wg.Wait()

	note := fmt.Sprintf("statuses=%v", statuses)
	if statuses[http.StatusOK] != 1 || statuses[http.StatusConflict] != r.cfg.Drivers-1 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Latency: time.Since(begin), Note: note}
}

// capacityBound has one driver race on more requests than the vehicle seats.
func capacityBound(ctx context.Context, r *Runner) Result {
	driver := r.driver(200)
	extra := 3
	ids := make([]string, 0, r.cfg.Capacity+extra)
	for i := 0; i < r.cfg.Capacity+extra; i++ {
		id, err := r.submit(ctx, r.passenger(200+i), "Library")
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		ids = append(ids, id)
	}

	var won atomic.Int64
	var wg sync.WaitGroup
	startCh := make(chan struct{})
	begin := time.Now()
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-startCh
			status, _, err := r.call(ctx, driver, http.MethodPost, "/api/requests/"+id+"/accept", map[string]any{"vehicle_id": r.cfg.Vehicle})
			if err == nil && status == http.StatusOK {
				won.Add(1)
			}
		}(id)
	}
	close(startCh)
	wg.Wait()

	note := fmt.Sprintf("accepted=%d capacity=%d", won.Load(), r.cfg.Capacity)
	if int(won.Load()) != r.cfg.Capacity {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Latency: time.Since(begin), Note: note}
}

func tripFlow(ctx context.Context, r *Runner) Result {
	driver := r.driver(300)
	begin := time.Now()

	status, _, err := r.call(ctx, driver, http.MethodPut, "/api/drivers/me/session", map[string]any{"vehicle_id": r.cfg.Vehicle})
	if err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("select vehicle: status=%d err=%v", status, err)}
	}
	for i := 0; i < 2; i++ {
		id, err := r.submit(ctx, r.passenger(300+i), fmt.Sprintf("Stop %d", i))
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if status, _, err := r.call(ctx, driver, http.MethodPost, "/api/requests/"+id+"/accept", nil); err != nil || status != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("accept: status=%d err=%v", status, err)}
		}
	}

	status, trip, err := r.call(ctx, driver, http.MethodPost, "/api/trips", map[string]any{"idempotency_key": "bench-" + r.run})
	if err != nil || status != http.StatusCreated {
		return Result{Status: statusFail, Note: fmt.Sprintf("start: status=%d err=%v", status, err)}
	}
	tripID, _ := trip["id"].(string)
	stops, _ := trip["stops"].([]any)
	if len(stops) != 2 {
		return Result{Status: statusFail, Note: fmt.Sprintf("expected 2 stops, got %d", len(stops))}
	}

	status, body, _ := r.call(ctx, driver, http.MethodPost, "/api/trips/"+tripID+"/complete", nil)
	if status != http.StatusConflict || body["code"] != "DELIVERIES_INCOMPLETE" {
		return Result{Status: statusFail, Note: fmt.Sprintf("early complete: status=%d code=%v", status, body["code"])}
	}
	for i := range stops {
		if status, _, err := r.call(ctx, driver, http.MethodPost, "/api/trips/"+tripID+"/deliveries", map[string]any{"index": i}); err != nil || status != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("deliver %d: status=%d err=%v", i, status, err)}
		}
	}
	status, body, err = r.call(ctx, driver, http.MethodPost, "/api/trips/"+tripID+"/complete", nil)
	if err != nil || status != http.StatusOK || body["status"] != "completed" {
		return Result{Status: statusFail, Note: fmt.Sprintf("complete: status=%d body=%v err=%v", status, body, err)}
	}
	return Result{Status: statusPass, Latency: time.Since(begin)}
}

func (r *Runner) submit(ctx context.Context, who caller, dest string) (string, error) {
	status, body, err := r.call(ctx, who, http.MethodPost, "/api/requests", map[string]any{"destination": dest})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("submit: status=%d code=%v", status, body["code"])
	}
	id, _ := body["id"].(string)
	return id, nil
}

func (r *Runner) call(ctx context.Context, who caller, method, path string, payload any) (int, map[string]any, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.id != "" {
		req.Header.Set("X-User-ID", who.id)
		req.Header.Set("X-User-Role", who.role)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out, nil
}

func (r *Runner) perfLoad(ctx context.Context, do func(context.Context) (int, error)) Result {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	var ok, failed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				status, err := do(ctx)
				if err != nil || status >= 500 {
					if ctx.Err() == nil {
						failed.Add(1)
					}
					continue
				}
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	rps := float64(ok.Load()) / elapsed.Seconds()
	note := fmt.Sprintf("ok=%d failed=%d rps=%.1f", ok.Load(), failed.Load(), rps)
	if ok.Load() == 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Latency: elapsed, Note: note}
}

var createTableRe = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([a-z_]+)`)

func extractTables(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range createTableRe.FindAllStringSubmatch(string(content), -1) {
		out = append(out, m[1])
	}
	return out, nil
}

func splitSQL(sql string) []string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(sql))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	var out []string
	for _, p := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
