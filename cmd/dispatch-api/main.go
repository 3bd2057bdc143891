// README: Entry point; loads config, wires stores, event fan-out and the HTTP API, then serves until signalled.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"fleetdispatch/internal/config"
	httptransport "fleetdispatch/internal/http"
	"fleetdispatch/internal/infra"
	"fleetdispatch/internal/modules/dispatch"
	"fleetdispatch/internal/modules/fleet"
	"fleetdispatch/internal/modules/notify"
	"fleetdispatch/internal/modules/pool"
	"fleetdispatch/internal/modules/session"
	"fleetdispatch/internal/types"
)

const (
	notifyTimeout  = 3 * time.Second
	eventQueueSize = 1024
	drainTimeout   = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := infra.NewLogger(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("dispatch-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	shutdownTracing, err := infra.SetupTracing(ctx, cfg.Trace.Endpoint, 1.0)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, dir, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var app *firebase.App
	if cfg.Firebase.ProjectID != "" {
		app, err = infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
	}

	metrics := dispatch.NewMetrics(reg)
	dropped := notify.WithFailureHook(metrics.EventDropped)

	// The local hub never blocks. Everything that crosses the network sits
	// behind its own queue so a slow broker cannot hold up a request.
	hub := pool.NewHub(64, pool.WithMaxAge(cfg.Dispatch.PendingMaxAge))
	events := notify.NewFanout(notifyTimeout)
	if rdb != nil {
		relay := pool.NewRedisRelay(rdb, hub, log)
		relayQueue := notify.NewAsync(relay, eventQueueSize, log, dropped)
		defer closeQueue(relayQueue, log)
		events.Add("pool", relayQueue)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("pool relay stopped", "error", err)
			}
		}()
	} else {
		events.Add("pool", hub)
	}

	backends := notify.NewFanout(notifyTimeout)
	closers, err := addNotifyBackends(ctx, backends, cfg.Notify, app, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	notifyQueue := notify.NewAsync(backends, eventQueueSize, log, dropped)
	defer closeQueue(notifyQueue, log)
	events.Add("notify", notifyQueue)

	var sessionStore session.Store
	if rdb != nil {
		sessionStore = session.NewRedisStore(rdb)
	} else {
		sessionStore = session.NewMemStore(time.Now)
	}
	sessions := session.NewService(sessionStore, dir, cfg.Session.TTL)

	svc := dispatch.NewService(store, dir, events, cfg.Dispatch,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(metrics),
		dispatch.WithSessions(sessions),
	)

	var verifier infra.TokenVerifier
	if !cfg.Auth.TrustHeaders {
		verifier, err = infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return err
		}
	} else {
		log.Warn("trusting identity headers; do not expose this listener publicly")
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Dispatch:     svc,
		Sessions:     sessions,
		Hub:          hub,
		Verifier:     verifier,
		TrustHeaders: cfg.Auth.TrustHeaders,
		Logger:       log,
		Registry:     reg,
	})
	return httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, log).Run(ctx)
}

func openStore(ctx context.Context, cfg config.Config) (dispatch.Store, fleet.Directory, func(), error) {
	if cfg.Store == config.StoreMemory {
		return dispatch.NewMemStore(), seedDirectory(cfg.Dispatch.DefaultCapacity), func() {}, nil
	}
	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	sqlxDB := infra.NewSQLX(db)
	closer := func() {
		_ = sqlxDB.Close()
		db.Close()
	}
	return dispatch.NewPGStore(db), fleet.NewStore(sqlxDB), closer, nil
}

// seedDirectory backs the memory store: any authenticated driver is accepted
// and a few vans are available to select.
func seedDirectory(capacity int) *fleet.StaticDirectory {
	dir := fleet.NewStaticDirectory()
	dir.OpenDrivers = true
	for i := 1; i <= 3; i++ {
		seats := capacity
		dir.PutVehicle(fleet.Vehicle{
			ID:       types.ID(fmt.Sprintf("van-%d", i)),
			Label:    fmt.Sprintf("Van %d", i),
			Capacity: &seats,
			Active:   true,
		})
	}
	return dir
}

// closeQueue drains queued events after the HTTP server has stopped.
func closeQueue(q *notify.Async, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		log.Warn("event queue not drained", "error", err)
	}
}

func addNotifyBackends(ctx context.Context, fanout *notify.Fanout, cfg config.NotifyConfig, app *firebase.App, log *slog.Logger) ([]func() error, error) {
	var closers []func() error
	for _, name := range cfg.Backends {
		switch name {
		case "log":
			fanout.Add(name, notify.NewLogPublisher(log))
		case "kafka":
			k := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
			fanout.Add(name, k)
			closers = append(closers, k.Close)
		case "rabbitmq":
			a, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				return closers, err
			}
			fanout.Add(name, a)
			closers = append(closers, a.Close)
		case "fcm":
			if app == nil {
				return closers, errors.New("fcm notify backend requires FLEET_FIREBASE_PROJECT_ID")
			}
			client, err := app.Messaging(ctx)
			if err != nil {
				return closers, fmt.Errorf("firebase messaging: %w", err)
			}
			fanout.Add(name, notify.NewFCMPublisher(client))
		}
		log.Info("notify backend enabled", "backend", name)
	}
	return closers, nil
}
