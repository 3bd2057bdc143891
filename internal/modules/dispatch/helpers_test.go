// README: Shared fixtures for dispatch tests: stores, directory, clock and event recorder.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleetdispatch/internal/config"
	"fleetdispatch/internal/modules/fleet"
	"fleetdispatch/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

// Now advances by one second per call so creation order is strict.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) kinds() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) count(t EventType) int {
	n := 0
	for _, got := range p.kinds() {
		if got == t {
			n++
		}
	}
	return n
}

type staticSessions map[types.ID]types.ID

func (s staticSessions) VehicleFor(_ context.Context, driverID types.ID) (types.ID, bool, error) {
	v, ok := s[driverID]
	return v, ok, nil
}

func intPtr(n int) *int { return &n }

func testDirectory() *fleet.StaticDirectory {
	var drivers []fleet.Driver
	for i := 1; i <= 12; i++ {
		id := types.ID(fmt.Sprintf("d%d", i))
		drivers = append(drivers, fleet.Driver{ID: id, Name: "Driver " + string(id), Active: true})
	}
	drivers = append(drivers, fleet.Driver{ID: "d-off", Name: "Off Duty", Active: false})
	return fleet.Seed(drivers, []fleet.Vehicle{
		{ID: "v-small", Label: "Van 2", Capacity: intPtr(2), Active: true},
		{ID: "v-three", Label: "Van 3", Capacity: intPtr(3), Active: true},
		{ID: "v-big", Label: "Coach", Active: true},
		{ID: "v-retired", Label: "Old Van", Capacity: intPtr(4), Active: false},
	})
}

type fixture struct {
	svc   *Service
	store Store
	mem   *MemStore
	pub   *recordingPublisher
	clock *testClock
}

func newFixture(t *testing.T, store Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: store, pub: &recordingPublisher{}, clock: newTestClock()}
	if m, ok := store.(*MemStore); ok {
		f.mem = m
	}
	cfg := config.DispatchConfig{HomeBase: "Main Campus", DefaultCapacity: 15, PendingMaxAge: 48 * time.Hour}
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.svc = NewService(store, testDirectory(), f.pub, cfg, append(base, opts...)...)
	return f
}

func newMemFixture(t *testing.T, opts ...Option) *fixture {
	return newFixture(t, NewMemStore(), opts...)
}

// stores returns every backend the contract tests run against.
func stores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store { return NewMemStore() },
	}
	if os.Getenv("FLEET_TEST_DSN") != "" {
		out["pg"] = func(t *testing.T) Store { return setupPGStore(t) }
	}
	return out
}

func (f *fixture) submit(t *testing.T, passenger types.ID, dest string) *TripRequest {
	t.Helper()
	r, err := f.svc.Submit(context.Background(), SubmitCommand{
		PassengerID:   passenger,
		PassengerName: "Passenger " + string(passenger),
		Destination:   dest,
	})
	if err != nil {
		t.Fatalf("submit for %s: %v", passenger, err)
	}
	return r
}

func (f *fixture) accept(t *testing.T, req, driver, vehicle types.ID) {
	t.Helper()
	if _, err := f.svc.Accept(context.Background(), AcceptCommand{RequestID: req, DriverID: driver, VehicleID: vehicle}); err != nil {
		t.Fatalf("accept %s by %s: %v", req, driver, err)
	}
}

func assertRequestStatus(t *testing.T, f *fixture, id types.ID, want RequestStatus) *TripRequest {
	t.Helper()
	r, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get request %s: %v", id, err)
	}
	if r.Status != want {
		t.Fatalf("request %s status = %s, want %s", id, r.Status, want)
	}
	return r
}

func assertErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()

	dsn := os.Getenv("FLEET_TEST_DSN")
	if dsn == "" {
		t.Skip("FLEET_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE trip_stops, driver_responses, trip_requests, trips"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPGStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
