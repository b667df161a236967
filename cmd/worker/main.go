package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"presence/internal/audit"
	"presence/internal/config"
	"presence/internal/queue"
	"presence/internal/store"
)

// Worker drains the write-only sink queue into Postgres: audit entries
// published by the API and the rotation scheduler.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db.Client); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:sink")
	}

	writer := audit.NewWriter(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != audit.MessageType {
			continue
		}

		var entry audit.Entry
		if err := json.Unmarshal(msg.Body, &entry); err != nil {
			log.Printf("drop malformed audit entry: %v", err)
			continue
		}

		if err := writer.Append(ctx, entry); err != nil {
			log.Printf("audit append failed (%s): %v", entry.Action, err)
			continue
		}
	}

	log.Println("worker stopped")
}
