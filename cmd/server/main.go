package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"tally/internal/audit"
	auditpg "tally/internal/audit/store/postgres"
	"tally/internal/audit/worker"
	"tally/internal/platform/config"
	"tally/internal/platform/httpserver"
	"tally/internal/platform/logger"
	platformpg "tally/internal/platform/postgres"
	platformredis "tally/internal/platform/redis"
	"tally/internal/reconcile"
	reconcilehandler "tally/internal/reconcile/handler"
	"tally/internal/reconcile/metrics"
	reconcilepg "tally/internal/reconcile/store/postgres"
	reconcileredis "tally/internal/reconcile/store/redis"
	"tally/internal/reference"
	"tally/internal/roster"
	rosterhandler "tally/internal/roster/handler"
	rosterpg "tally/internal/roster/store/postgres"
	"tally/internal/roster/provision"
)

// main wires storage, the matching engine, and the HTTP surface, then runs
// the server and the audit outbox worker until shutdown.
func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := platformpg.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := platformpg.Migrate(ctx, db); err != nil {
		return err
	}

	store := reconcilepg.New(db)
	students := rosterpg.NewStudentStore(db)
	items := rosterpg.NewItemStore(db)

	codec, err := reference.NewCodec(cfg.ReferenceSalt, cfg.ReferencePrefix)
	if err != nil {
		return err
	}

	reconCfg := reconcile.DefaultConfig()
	engine, err := reconcile.NewEngine(store.Obligations(), roster.NewDirectory(students), codec, reconCfg,
		reconcile.WithEngineLogger(log))
	if err != nil {
		return err
	}

	serviceOpts := []reconcile.ServiceOption{
		reconcile.WithLogger(log),
		reconcile.WithMetrics(metrics.New()),
		reconcile.WithAuditPublisher(audit.NewPublisher(store.EventStore())),
	}
	var redisClient *platformredis.Client
	if cfg.RedisURL != "" {
		redisClient, err = platformredis.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		serviceOpts = append(serviceOpts,
			reconcile.WithRecentCache(reconcileredis.NewRecentEventCache(redisClient.Client)))
		log.Info("recent-event cache enabled")
	}

	service, err := reconcile.NewService(store, engine, reconCfg, serviceOpts...)
	if err != nil {
		return err
	}
	provisioner, err := provision.NewService(store, items, students, codec, provision.WithLogger(log))
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	reconcilehandler.New(service, store.EventStore(), log).Register(router)
	rosterhandler.New(students, items, provisioner, log).Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...))
		if err != nil {
			return err
		}
		defer kafkaClient.Close()

		outbox := worker.New(
			auditpg.New(db),
			worker.NewKafkaSink(kafkaClient, cfg.KafkaTopic),
			worker.WithLogger(log),
		)
		g.Go(func() error {
			if err := outbox.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		log.Info("audit outbox worker started", "topic", cfg.KafkaTopic)
	}

	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
