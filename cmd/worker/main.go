package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/grouppick/backend/internal/broker"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/config"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/store"
	"github.com/grouppick/backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(cfg.Database.DSN(), cfg.Database.PoolSize, cfg.Database.Timeout)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pg.Close()

	kv, err := cache.NewRedis(cache.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err != nil {
		// The worker's counters are shared across the fleet; without Redis
		// the progress view degrades but scoring itself stays correct.
		log.Printf("redis unavailable, progress counters are process-local: %v", err)
	}
	var kvc cache.Cache = kv
	if kv == nil {
		kvc = cache.NewMemory()
	}

	mq, err := broker.Dial(broker.Options{
		URL:        cfg.RabbitMQ.URL,
		Prefetch:   cfg.RabbitMQ.PrefetchCount,
		MaxRetries: cfg.RabbitMQ.MaxRetries,
	})
	if err != nil {
		log.Fatalf("broker: %v", err)
	}
	defer mq.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	predSvc := prediction.NewService(pg, kvc, cfg.DesignatedTeamName)
	w := worker.New(pg, predSvc, kvc, m, cfg.RabbitMQ.Queue)

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.Run(gctx, mq)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.Printf("metrics listening on :%s", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Println("worker stopped")
}
