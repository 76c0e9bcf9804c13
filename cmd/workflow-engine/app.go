package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/config"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/events"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/executor"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/httpapi"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/maintenance"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/middleware"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/observability"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/queue"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/ratelimit"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/secrets"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/tracker"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/triggers"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/worker"

	"github.com/redis/go-redis/v9"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const serviceName = "workflow-engine"

// app holds the wiring shared by serve and worker.
type app struct {
	cfg      config.Config
	repo     *store.Repo
	queue    *queue.Queue
	tracker  *tracker.Tracker
	hub      *events.Hub
	resolver secrets.Resolver
	stored   *secrets.StoreResolver
	registry *executor.Registry
	rdb      *redis.Client
	mqtt     *events.MQTTClient
	tracer   oteltrace.Tracer
	metrics  http.Handler
	shutdown func(context.Context) error
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	if missing := cfg.MissingPostgres(); len(missing) > 0 {
		for _, key := range missing {
			slog.Error("missing required env", "key", key)
		}
		return nil, fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}
	p := cfg.Postgres
	db, err := store.OpenPostgres(p.User, p.Password, p.DBName, p.Host, p.Port, p.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		return nil, err
	}
	return db, nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, hub: events.NewHub()}

	shutdown, promHandler, tracer, err := observability.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.shutdown, a.metrics, a.tracer = shutdown, promHandler, tracer

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a.repo, err = store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		return nil, err
	}

	var notifier queue.Notifier = queue.NewLocalNotifier()
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, using in-process wakeups", "addr", cfg.Redis.Addr, "error", err)
			_ = a.rdb.Close()
			a.rdb = nil
		} else {
			notifier = queue.NewRedisNotifier(a.rdb, "")
		}
	}

	publishers := events.Fanout{a.hub, observability.ExecutionMetrics{}}
	if cfg.MQTT.BrokerURL != "" {
		a.mqtt, err = events.DialMQTT(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID)
		if err != nil {
			slog.Warn("mqtt unavailable, run events stay local", "broker", cfg.MQTT.BrokerURL, "error", err)
		} else {
			publishers = append(publishers, events.NewMQTTSink(a.mqtt, cfg.MQTT.TopicPrefix))
		}
	}

	a.queue = queue.New(db, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.ExponentialBackoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax, Jitter: 0.2},
		Notifier:    notifier,
		Metrics:     observability.QueueMetrics{},
	})
	a.tracker = tracker.New(db, a.queue, tracker.Options{Events: publishers})

	if cfg.SecretsPassphrase != "" {
		cipher, err := secrets.NewCipher(cfg.SecretsPassphrase)
		if err != nil {
			return nil, err
		}
		a.stored = secrets.NewStoreResolver(a.repo, cipher)
		a.resolver = a.stored
	} else {
		slog.Warn("SECRETS_PASSPHRASE not set, nodes that need secrets will fail")
		a.resolver = secrets.Static{}
	}

	a.registry = executor.Builtins(executor.Options{HTTPClient: &http.Client{Timeout: cfg.Worker.NodeTimeout}})
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// runWorkers starts the maintenance jobs and blocks in the poller until ctx
// ends.
func (a *app) runWorkers(ctx context.Context) error {
	m := maintenance.New(maintenance.Config{
		Lease:          a.cfg.Worker.Lease,
		Retention:      a.cfg.Maintenance.Retention,
		ReaperSchedule: a.cfg.Maintenance.ReaperSchedule,
		PruneSchedule:  a.cfg.Maintenance.PruneSchedule,
	}, a.queue, a.tracker)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	p := worker.New(worker.Config{
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.Worker.PollInterval,
		Lease:        a.cfg.Worker.Lease,
		NodeTimeout:  a.cfg.Worker.NodeTimeout,
	}, a.queue, a.tracker, a.registry, a.resolver,
		worker.WithTracer(a.tracer),
		worker.WithMetrics(observability.WorkerMetrics{}),
	)
	slog.Info("node executors registered", "types", a.registry.Types())
	return p.Run(ctx)
}

func work(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	if err := a.runWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	deps := httpapi.Deps{
		Repo:      a.repo,
		Tracker:   a.tracker,
		Queue:     a.queue,
		Hub:       a.hub,
		Webhooks:  triggers.NewWebhooks(a.repo, a.tracker),
		Secrets:   a.stored,
		NodeTypes: a.registry.Types(),
		Tracer:    a.tracer,
		Metrics:   a.metrics,
	}
	if cfg.JWTPublicKeyPath != "" {
		deps.PubKey, err = middleware.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			slog.Error("jwt public key load failed", "path", cfg.JWTPublicKeyPath, "error", err)
			return err
		}
	} else {
		slog.Warn("JWT_PUBLIC_KEY_PATH not set, the management API will reject requests")
	}
	limits := ratelimit.LimiterConfig{RPS: cfg.Webhook.RPS, Burst: cfg.Webhook.Burst}
	if a.rdb != nil {
		deps.Limiter = ratelimit.NewRedis(a.rdb, "workflow-engine:webhooks", limits)
	} else {
		deps.Limiter = ratelimit.NewLocal(limits)
	}

	crons := triggers.NewCron(a.repo, a.tracker, 30*time.Second)
	deps.Reloader = crons

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpapi.New(deps).Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := crons.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		crons.Stop()
		return nil
	})
	g.Go(func() error {
		return a.runWorkers(gctx)
	})
	g.Go(func() error {
		slog.Info("workflow-engine listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
