// Package worker runs fire-and-forget background tasks on a fixed number of
// goroutines behind a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

var (
	ErrQueueFull  = errors.New("worker queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

type TaskStatus string

const (
	TaskStatusDone    TaskStatus = "ok"
	TaskStatusFailed  TaskStatus = "error"
	TaskStatusPanic   TaskStatus = "panic"
	TaskStatusTimeout TaskStatus = "timeout"
)

// Task is one unit of background work. Fn receives a context that is not
// tied to the request that created the task.
type Task struct {
	ID        uuid.UUID
	Name      string
	UserID    string
	Fn        func(ctx context.Context) error
	CreatedAt time.Time
}

type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

type Pool struct {
	cfg     Config
	queue   chan Task
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Pool)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) { p.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool starts cfg.Workers goroutines. Zero values fall back to 4 workers,
// a queue of 1024 and a 10s task timeout.
func NewPool(cfg Config, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
		tracer: noop.NewTracerProvider().Tracer("worker"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.loop()
	}
	return p
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		p.metrics.TaskDropped(task.Name)
		p.logger.Error("background task dropped",
			"task", task.Name, "task_id", task.ID.String(), "user_id", task.UserID)
		return ErrQueueFull
	}
}

// Len is the number of queued tasks not yet picked up.
func (p *Pool) Len() int {
	return len(p.queue)
}

// Close stops accepting tasks and waits for the queue to drain or ctx to
// end, whichever is first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "worker."+task.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", task.ID.String()),
		attribute.String("user_id", task.UserID),
	)

	status, err := p.execute(ctx, task)
	p.metrics.TaskResult(task.Name, string(status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("background task failed",
			"task", task.Name,
			"task_id", task.ID.String(),
			"user_id", task.UserID,
			"status", string(status),
			"queued_for", time.Since(task.CreatedAt).String(),
			"error", err,
		)
	}
}

func (p *Pool) execute(ctx context.Context, task Task) (status TaskStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = TaskStatusPanic, fmt.Errorf("panic: %v", r)
		}
	}()
	if task.Fn == nil {
		return TaskStatusDone, nil
	}
	if err := task.Fn(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TaskStatusTimeout, err
		}
		return TaskStatusFailed, err
	}
	return TaskStatusDone, nil
}
