// Package dispatch implements the dispatch queue: a durable FIFO of
// task-ids between the scheduler and workers, with per-task deduplication
// and bounded infrastructure-level retry with exponential backoff.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"dialplan-campaigns/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

const (
	exchangeName   = "dispatch"
	readyQueue     = "dispatch.ready"
	delayedQueue   = "dispatch.delayed"
	deadQueue      = "dispatch.dead"
	readyRouting   = "ready"
	delayedRouting = "delayed"
	deadRouting    = "dead"

	// dedupTTL bounds how long a task-id's live-job marker survives; it
	// must comfortably outlast the longest place attempt plus its retries.
	dedupTTL = time.Hour
)

// ErrDuplicateJob is returned by Enqueue when a job for the given task-id
// is already live; callers treat this as a no-op, not a failure.
var ErrDuplicateJob = errors.New("job already enqueued")

// Config controls infrastructure-level retry behavior.
type Config struct {
	MaxRetries int           // default 3
	RetryDelay time.Duration // default 5s, exponential backoff base
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Second
	}
	return out
}

// job is the wire envelope published to the broker.
type job struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// Queue is the RabbitMQ-backed dispatch queue, with a Redis-backed dedup
// guard keyed by task-id.
type Queue struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
	rdb  *redis.Client
	cfg  Config
	log  *slog.Logger
}

// Open dials RabbitMQ, declares the exchange and the ready/delayed/dead
// queue topology (the classic TTL-plus-dead-letter-exchange trick for
// delayed redelivery), and returns a ready-to-use Queue.
func Open(ctx context.Context, amqpURL string, rdb *redis.Client, cfg Config, log *slog.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()

	conn, err := amqp091.DialConfig(amqpURL, amqp091.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dispatch: open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Queue{conn: conn, ch: ch, rdb: rdb, cfg: cfg, log: log}, nil
}

func declareTopology(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("dispatch: declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(readyQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dispatch: declare ready queue: %w", err)
	}
	if err := ch.QueueBind(readyQueue, readyRouting, exchangeName, false, nil); err != nil {
		return fmt.Errorf("dispatch: bind ready queue: %w", err)
	}

	delayedArgs := amqp091.Table{
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": readyRouting,
	}
	if _, err := ch.QueueDeclare(delayedQueue, true, false, false, false, delayedArgs); err != nil {
		return fmt.Errorf("dispatch: declare delayed queue: %w", err)
	}
	if err := ch.QueueBind(delayedQueue, delayedRouting, exchangeName, false, nil); err != nil {
		return fmt.Errorf("dispatch: bind delayed queue: %w", err)
	}

	if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dispatch: declare dead queue: %w", err)
	}
	if err := ch.QueueBind(deadQueue, deadRouting, exchangeName, false, nil); err != nil {
		return fmt.Errorf("dispatch: bind dead queue: %w", err)
	}

	return nil
}

// Close releases the channel and connection.
func (q *Queue) Close() error {
	_ = q.ch.Close()
	return q.conn.Close()
}

func jobKey(taskID string) string {
	return "job:" + taskID
}

// Enqueue publishes a single task-id to the ready queue, guarded by a
// Redis SET NX dedup key. Re-enqueuing a task-id whose job is still live
// is a no-op (returns ErrDuplicateJob, which callers should treat as
// success).
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	ok, err := q.rdb.SetNX(ctx, jobKey(taskID), 1, dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("dispatch: dedup check: %w", err)
	}
	if !ok {
		return ErrDuplicateJob
	}
	if err := q.publish(ctx, readyRouting, job{TaskID: taskID, Attempt: 0}, ""); err != nil {
		_ = q.rdb.Del(ctx, jobKey(taskID)).Err()
		return err
	}
	return nil
}

// EnqueueBatch enqueues claimed task-ids in one call. Each id still costs
// its own dedup check and its own publish; round-trips to the broker and
// the dedup store are not batched.
func (q *Queue) EnqueueBatch(ctx context.Context, taskIDs []string) error {
	var firstErr error
	for _, id := range taskIDs {
		if err := q.Enqueue(ctx, id); err != nil && !errors.Is(err, ErrDuplicateJob) {
			if firstErr == nil {
				firstErr = err
			}
			q.log.Warn("dispatch enqueue failed", "task_id", id, "err", err)
		}
	}
	return firstErr
}

func (q *Queue) publish(ctx context.Context, routingKey string, j job, expiration string) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("dispatch: marshal job: %w", err)
	}
	pub := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	}
	if expiration != "" {
		pub.Expiration = expiration
	}
	if err := q.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("dispatch: publish: %w", err)
	}
	return nil
}

// Handler processes one task-id. An error is treated as an
// infrastructure-level failure and triggers the bounded retry/backoff
// path; a nil error acks the job and clears its dedup guard.
type Handler func(ctx context.Context, taskID string) error

// Consume starts concurrency worker goroutines pulling jobs from the ready
// queue and dispatching each to handler. Blocks until ctx is cancelled (or
// the underlying delivery channel closes, in which case it returns an
// error once the workers have exited), then stops pulling new deliveries and
// waits for in-flight handler calls to finish before returning, so a
// shutdown signal drains work in progress instead of aborting it. In-flight
// calls run with a context detached from ctx's cancellation so a placement
// already underway is not cut short by the same signal that stops new
// pulls; the process-level hard shutdown timeout still bounds how long
// that drain may take.
func (q *Queue) Consume(ctx context.Context, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("dispatch: set qos: %w", err)
	}

	deliveries, err := q.ch.Consume(readyQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("dispatch: consume: %w", err)
	}

	drainCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.handleDelivery(drainCtx, d, handler)
				}
			}
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()
	select {
	case <-ctx.Done():
		<-workersDone
		return nil
	case <-workersDone:
		return errors.New("dispatch: delivery channel closed")
	}
}

func (q *Queue) handleDelivery(ctx context.Context, d amqp091.Delivery, handler Handler) {
	var j job
	if err := json.Unmarshal(d.Body, &j); err != nil {
		q.log.Error("dispatch: malformed job body, dead-lettering", "err", err)
		if pubErr := q.ch.PublishWithContext(ctx, exchangeName, deadRouting, false, false, amqp091.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp091.Persistent,
			Body:         d.Body,
		}); pubErr != nil {
			q.log.Error("dispatch: dead-letter publish failed", "err", pubErr)
		}
		_ = d.Ack(false)
		return
	}

	err := handler(ctx, j.TaskID)
	if err == nil {
		_ = d.Ack(false)
		_ = q.rdb.Del(ctx, jobKey(j.TaskID)).Err()
		return
	}

	if j.Attempt >= q.cfg.MaxRetries {
		q.log.Warn("dispatch job exhausted retries, dead-lettering", "task_id", j.TaskID, "attempts", j.Attempt+1, "err", err)
		if pubErr := q.publish(ctx, deadRouting, j, ""); pubErr != nil {
			q.log.Error("dispatch: dead-letter publish failed", "task_id", j.TaskID, "err", pubErr)
		}
		_ = d.Ack(false)
		_ = q.rdb.Del(ctx, jobKey(j.TaskID)).Err()
		return
	}

	next := j
	next.Attempt++
	delay := backoff(q.cfg.RetryDelay, next.Attempt)
	q.log.Warn("dispatch job failed, scheduling retry", "task_id", j.TaskID, "attempt", next.Attempt, "delay", delay, "err", err)
	if pubErr := q.publish(ctx, delayedRouting, next, strconv.FormatInt(delay.Milliseconds(), 10)); pubErr != nil {
		q.log.Error("dispatch: retry publish failed", "task_id", j.TaskID, "err", pubErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// WatchQueueDepth polls queue message counts on interval and reports them
// to the dispatch_queue_depth gauge. Blocks until ctx is cancelled.
func (q *Queue) WatchQueueDepth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reportDepths()
		}
	}
}

func (q *Queue) reportDepths() {
	for _, name := range []string{readyQueue, delayedQueue, deadQueue} {
		qi, err := q.ch.QueueInspect(name)
		if err != nil {
			q.log.Warn("dispatch: queue inspect failed", "queue", name, "err", err)
			continue
		}
		metrics.QueueDepth.WithLabelValues(name).Set(float64(qi.Messages))
	}
}

// backoff computes the exponential backoff delay for a given attempt
// number (1-indexed), base * 2^(attempt-1).
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := math.Pow(2, float64(attempt-1))
	return time.Duration(float64(base) * multiplier)
}
