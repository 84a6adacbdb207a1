// Package notify publishes a best-effort "job ready" signal over Redis
// pub/sub. The worker loop in this repository does not subscribe to it and
// finds new jobs only by polling. It is never a system of record: publish
// failures are logged and dropped,
// and a nil Notifier (no Redis configured) is a valid no-op.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes job-ready events. The zero value with a nil client is
// a safe no-op, matching "Redis is optional" deployments.
type Notifier struct {
	client *redis.Client
	logger *log.Logger
}

// Connect parses redisURL and pings it once; on any failure it logs a
// warning and returns a Notifier that publishes nothing, so a missing or
// unreachable Redis never blocks enqueue.
func Connect(redisURL string, logger *log.Logger) *Notifier {
	if redisURL == "" {
		return &Notifier{logger: logger}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Printf("notify: invalid redis url: %v, running without job-ready notifications", err)
		return &Notifier{logger: logger}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Printf("notify: redis ping failed: %v, running without job-ready notifications", err)
		return &Notifier{logger: logger}
	}

	logger.Println("notify: connected to redis")
	return &Notifier{client: client, logger: logger}
}

// JobReady fires a fire-and-forget publish on "pgflow:jobs:<queue>" carrying
// the new job's ID. It never blocks the caller and never returns an error.
func (n *Notifier) JobReady(queue, jobID string) {
	if n == nil || n.client == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.client.Publish(ctx, "pgflow:jobs:"+queue, jobID).Err(); err != nil {
			n.logger.Printf("notify: publish failed: %v", err)
		}
	}()
}

// Close releases the underlying Redis connection, if any.
func (n *Notifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
