package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scanme/internal/config"
	"scanme/internal/metrics"
	"scanme/internal/presence"
	"scanme/internal/queue"
	"scanme/internal/store"
	"scanme/internal/timeutil"
)

// Sweeper closes orphaned presence records on a schedule and runs clock
// diagnostics over the audit log for students the API flags.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "scanme:audit")
	}

	repo := presence.NewRepository(db.Client)
	sweeper := presence.NewSweeper(repo, nil)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	// One pass on startup so a backlog does not wait a full interval.
	runOrphanCleanup(ctx, sweeper, cfg.OrphanMaxAge)

	log.Println("sweeper started, waiting for work...")
	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return
		case <-ticker.C:
			runOrphanCleanup(ctx, sweeper, cfg.OrphanMaxAge)
		case msg, ok := <-messages:
			if !ok {
				log.Println("sweeper stopped")
				return
			}
			if msg.Type != "scan" {
				continue
			}
			runClockDiagnostics(ctx, repo, string(msg.Body))
		}
	}
}

func runOrphanCleanup(ctx context.Context, sweeper *presence.Sweeper, maxAge time.Duration) {
	closed, err := sweeper.CleanupOrphaned(ctx, maxAge)
	if err != nil {
		log.Printf("orphan cleanup failed: %v", err)
		return
	}
	if closed > 0 {
		log.Printf("orphan cleanup closed %d records", closed)
	}
}

func runClockDiagnostics(ctx context.Context, repo *presence.Repository, studentID string) {
	times, err := repo.EventTimes(ctx, studentID, 50)
	if err != nil {
		log.Printf("fetch event times for %s failed: %v", studentID, err)
		return
	}
	report := timeutil.DetectClockAnomalies(times, time.Now())
	if !report.HasIssues {
		return
	}
	metrics.ClockAnomalies.Add(float64(len(report.Issues)))
	for _, issue := range report.Issues {
		log.Printf("clock anomaly for student %s: %s", studentID, issue)
	}
}
