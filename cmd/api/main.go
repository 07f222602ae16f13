package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grouppick/backend/internal/api"
	"github.com/grouppick/backend/internal/audit"
	"github.com/grouppick/backend/internal/broker"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/config"
	"github.com/grouppick/backend/internal/dispatch"
	"github.com/grouppick/backend/internal/fraud"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/otp"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/session"
	"github.com/grouppick/backend/internal/sms"
	"github.com/grouppick/backend/internal/store"
	"github.com/grouppick/backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()

	pg, err := store.NewPostgres(cfg.Database.DSN(), cfg.Database.PoolSize, cfg.Database.Timeout)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pg.Close()
	if err := pg.Bootstrap(ctx); err != nil {
		log.Fatalf("database bootstrap: %v", err)
	}

	var kv cache.Cache
	kv, err = cache.NewRedis(cache.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		PoolSize: cfg.Database.PoolSize,
	})
	if err != nil {
		// Cache state is weak by design; an in-process fallback keeps local
		// development working. Rate limits and counters become per-process.
		log.Printf("redis unavailable, using in-memory cache: %v", err)
		kv = cache.NewMemory()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	auditor := audit.New(pg)
	detector := fraud.NewDetector(kv, pg, auditor)

	var sender sms.Sender
	if cfg.SMS.Sandbox {
		sender = sms.NewConsole()
	} else {
		sender = sms.NewBreaker(sms.NewGateway(cfg.SMS.BaseURL, cfg.SMS.APIKey), 0, 0)
	}

	otpSvc := otp.NewService(kv, pg, sender, detector, m, otp.Options{
		Length:       cfg.OTP.Length,
		TTL:          cfg.OTP.TTL,
		SendCooldown: cfg.OTP.SendCooldown,
		MaxAttempts:  cfg.OTP.MaxVerifyAttempts,
		VerifyWindow: cfg.RateLimit.VerifyWindow,
		Sandbox:      cfg.SMS.Sandbox,
	})

	sessions := session.NewService(pg, kv, auditor, detector, m, session.Options{
		AccessTTL:  cfg.Session.AccessTTL,
		RefreshTTL: cfg.Session.RefreshTTL,
		TokenBytes: cfg.Session.TokenBytes,
		BcryptCost: cfg.Session.BcryptRounds,
	})

	predSvc := prediction.NewService(pg, kv, cfg.DesignatedTeamName)

	// Async mode publishes to the broker and leaves scoring to the worker
	// fleet; sync mode scores inline during the admin trigger.
	var (
		pub          dispatch.Publisher
		brokerHealth api.BrokerHealth
		mode         string
	)
	if cfg.EnableAsyncProcessing {
		mq, err := broker.Dial(broker.Options{
			URL:        cfg.RabbitMQ.URL,
			Prefetch:   cfg.RabbitMQ.PrefetchCount,
			MaxRetries: cfg.RabbitMQ.MaxRetries,
		})
		if err != nil {
			log.Fatalf("broker: %v", err)
		}
		defer mq.Close()
		if err := mq.AssertQueue(cfg.RabbitMQ.Queue); err != nil {
			log.Fatalf("broker topology: %v", err)
		}
		pub = mq
		brokerHealth = mq
		mode = "async"
	} else {
		w := worker.New(pg, predSvc, kv, m, cfg.RabbitMQ.Queue)
		pub = &dispatch.InlinePublisher{Handler: w.HandleJob}
		mode = "sync"
	}

	dispatcher := dispatch.NewDispatcher(pg, kv, pub, m, dispatch.Options{
		Queue:       cfg.RabbitMQ.Queue,
		PublishRate: float64(cfg.PredictionBatchSize),
	})

	cleanup, err := sessions.StartCleanup(cfg.Session.CleanupCron)
	if err != nil {
		log.Fatalf("session cleanup: %v", err)
	}
	defer cleanup.Stop()

	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Cache:      kv,
		DB:         pg,
		Users:      pg,
		Broker:     brokerHealth,
		OTP:        otpSvc,
		Sessions:   sessions,
		Prediction: predSvc,
		Dispatcher: dispatcher,
		Auditor:    auditor,
		Mode:       mode,
	})

	server := api.NewHTTPServer(":"+cfg.Port, router)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("api listening on :%s (scoring mode: %s)", cfg.Port, mode)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}
