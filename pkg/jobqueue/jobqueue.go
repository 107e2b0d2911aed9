// Package jobqueue implements the named-queue enqueue interface (spec
// §6: "A named-queue enqueue interface with at-least-once delivery:
// enqueue(queue_name, task_name, args)") with retry-with-backoff on
// retry-marked errors, built directly on the teacher's
// internal/chanworker pool rather than reimplementing one.
package jobqueue

import (
	"context"
	"math/rand"
	"time"

	"github.com/inkwell/collabd/internal/chanworker"
	"github.com/inkwell/collabd/internal/reqlog"
)

// Task names the core publishes (spec §6).
const (
	TaskUpdatePageEmbedding = "update_page_embedding"
	TaskIndexUserPages      = "index_user_pages"
	TaskSyncSnapshot        = "sync_snapshot_with_page"
	TaskReplicateBlob       = "replicate_blob"
	TaskProcessNotionImport = "process_notion_import"
)

// Task is one named job with its arguments.
type Task struct {
	Queue   string
	Name    string
	Args    map[string]interface{}
	Attempt int
}

// RetryableError marks an error as eligible for the queue's
// retry-with-backoff wrapper (spec §5: "Outbound API calls use
// retry-with-exponential-backoff on rate-limit and timeout errors").
// Non-retryable errors (e.g. a malformed archive) are logged once and
// dropped.
type RetryableError struct{ Cause error }

func (e *RetryableError) Error() string { return "jobqueue: retryable: " + e.Cause.Error() }
func (e *RetryableError) Unwrap() error { return e.Cause }

// Handler processes one Task. Returning a *RetryableError causes the
// queue to requeue with backoff, up to MaxAttempts; any other error is
// logged and the task is dropped (at-least-once, not infinite).
type Handler func(ctx context.Context, task Task) error

// Queue is the interface the core's producers depend on — cmd/collabd's
// embedding enqueuer (behind pkg/derive's EmbeddingEnqueuer) and
// pkg/restapi's import kickoff. pkg/jobqueue.InProcess is
// the only implementation; a production deployment would swap in a real
// broker client behind the same interface (spec §1 lists "the job queue
// broker" as an external collaborator).
type Queue interface {
	Enqueue(ctx context.Context, queueName, taskName string, args map[string]interface{}) error
}

const (
	defaultMaxAttempts = 5
	baseBackoff        = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// InProcess is a single-node best-effort queue: chanworker.NewWorker
// drives a bounded pool of goroutines over submitted tasks, retrying
// RetryableError results with jittered exponential backoff.
type InProcess struct {
	ctx         context.Context
	handler     Handler
	maxAttempts int
	workc       chan<- interface{}
}

// NewInProcess starts nWorkers goroutines processing tasks with handler.
// ctx's cancellation stops accepting new retries; in-flight handler calls
// are not interrupted (mirrors chanworker's drain-to-completion contract).
func NewInProcess(ctx context.Context, nWorkers int, handler Handler) *InProcess {
	q := &InProcess{ctx: ctx, handler: handler, maxAttempts: defaultMaxAttempts}
	q.workc = chanworker.NewWorker(nWorkers, q.process)
	return q
}

func (q *InProcess) Enqueue(ctx context.Context, queueName, taskName string, args map[string]interface{}) error {
	q.workc <- Task{Queue: queueName, Name: taskName, Args: args, Attempt: 1}
	return nil
}

func (q *InProcess) process(item interface{}, ok bool) {
	if !ok {
		return // final sentinel from chanworker on shutdown
	}
	task := item.(Task)
	err := q.handler(q.ctx, task)
	if err == nil {
		return
	}
	logger := reqlog.New(q.ctx)
	var retryable *RetryableError
	if e, is := err.(*RetryableError); is {
		retryable = e
	}
	if retryable == nil {
		logger.Printf("jobqueue: task %s/%s failed, not retrying: %v", task.Queue, task.Name, err)
		return
	}
	if task.Attempt >= q.maxAttempts {
		logger.Printf("jobqueue: task %s/%s exhausted %d attempts: %v", task.Queue, task.Name, task.Attempt, retryable.Cause)
		return
	}
	delay := backoff(task.Attempt)
	logger.Printf("jobqueue: task %s/%s attempt %d failed, retrying in %s: %v", task.Queue, task.Name, task.Attempt, delay, retryable.Cause)
	next := task
	next.Attempt++
	go func() {
		select {
		case <-time.After(delay):
			q.workc <- next
		case <-q.ctx.Done():
		}
	}()
}

func backoff(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}
