// README: Benchmark runner: contention and flow checks against a running dispatch API plus optional DB/Redis checks.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
)

type Config struct {
	BaseURL        string        `name:"base-url" env:"FLEET_BENCH_BASE_URL" default:"http://localhost:8080" help:"API base URL."`
	DSN            string        `name:"dsn" env:"FLEET_DB_DSN" help:"Postgres DSN; empty skips DB checks."`
	RedisAddr      string        `name:"redis" env:"FLEET_REDIS_ADDR" help:"Redis address; empty skips Redis checks."`
	MigrationPath  string        `name:"migration" env:"FLEET_BENCH_MIGRATION" default:"migrations/0001_init.sql" help:"Migration SQL path."`
	ApplyMigration bool          `name:"apply-migration" env:"FLEET_BENCH_APPLY_MIGRATION" help:"Apply migration SQL before tests."`
	Vehicle        string        `name:"vehicle" env:"FLEET_BENCH_VEHICLE" default:"van-1" help:"Vehicle id drivers select."`
	Capacity       int           `name:"capacity" env:"FLEET_BENCH_CAPACITY" default:"15" help:"Seat count of the bench vehicle."`
	Drivers        int           `name:"drivers" env:"FLEET_BENCH_DRIVERS" default:"10" help:"Drivers racing on one request."`
	Strict         bool          `name:"strict" env:"FLEET_BENCH_STRICT" help:"Fail on skipped tests."`
	Timeout        time.Duration `name:"timeout" env:"FLEET_BENCH_TIMEOUT" default:"60s" help:"Total timeout."`
	Concurrency    int           `name:"concurrency" env:"FLEET_BENCH_CONCURRENCY" default:"20" help:"Concurrency for perf tests."`
	Duration       time.Duration `name:"duration" env:"FLEET_BENCH_DURATION" default:"10s" help:"Duration for perf tests."`
}

func main() {
	var cfg Config
	kong.Parse(&cfg, kong.Description("Exercise a running dispatch API over HTTP."))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}
