// monitor is the operator CLI: scoring progress at a glance, and the team
// seed loader.
//
//	monitor status   print progress counters and queue depth
//	monitor seed     upsert the YAML team seed into the database
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/grouppick/backend/internal/broker"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/config"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/seed"
	"github.com/grouppick/backend/internal/store"
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "status"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "status":
		runStatus(ctx, cfg)
	case "seed":
		runSeed(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want status or seed)\n", cmd)
		os.Exit(2)
	}
}

func runStatus(ctx context.Context, cfg *config.Config) {
	kv, err := cache.NewRedis(cache.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	total := counter(ctx, kv, prediction.StatsTotalKey)
	processed := counter(ctx, kv, prediction.StatsProcessedKey)
	pending := total - processed
	if pending < 0 {
		pending = 0
	}

	depth, deadLettered := -1, -1
	if mq, err := broker.Dial(broker.Options{URL: cfg.RabbitMQ.URL, Prefetch: 1}); err == nil {
		depth = mq.QueueMessageCount(cfg.RabbitMQ.Queue)
		deadLettered = mq.DeadLetterCount(cfg.RabbitMQ.Queue)
		mq.Close()
	} else {
		log.Printf("broker unreachable: %v", err)
	}

	fmt.Printf("total:       %d\n", total)
	fmt.Printf("processed:   %d\n", processed)
	fmt.Printf("pending:     %d\n", pending)
	if depth >= 0 {
		fmt.Printf("queue depth: %d\n", depth)
		fmt.Printf("dlq depth:   %d\n", deadLettered)
	} else {
		fmt.Println("queue depth: unavailable")
	}
}

func counter(ctx context.Context, kv cache.Cache, key string) int64 {
	raw, err := kv.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return 0
	}
	if err != nil {
		log.Fatalf("read %s: %v", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return n
}

func runSeed(ctx context.Context, cfg *config.Config) {
	teams, err := seed.LoadTeams(cfg.TeamSeedPath)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	pg, err := store.NewPostgres(cfg.Database.DSN(), cfg.Database.PoolSize, cfg.Database.Timeout)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pg.Close()
	if err := pg.Bootstrap(ctx); err != nil {
		log.Fatalf("database bootstrap: %v", err)
	}

	n, err := seed.Apply(ctx, pg, teams)
	if err != nil {
		log.Fatalf("seed: %v (wrote %d)", err, n)
	}
	fmt.Printf("seeded %d teams from %s\n", n, cfg.TeamSeedPath)
}
