// Package queue 提供进程内的后台任务 worker 池。
//
// 用于不应阻塞请求的旁路工作（例如欢迎邮件）。任务失败按配置重试，
// panic 会被恢复并计数，不会拖垮 worker。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taskboard/internal/pkg/metrics"
)

var (
	// ErrClosed 队列已关闭。
	ErrClosed = errors.New("queue closed")
	// ErrFull 队列已满，任务被丢弃。
	ErrFull = errors.New("queue full")
)

// Job 一个后台任务。Name 用作日志字段与指标标签，应为低基数常量。
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
}

// Option 队列配置选项。
type Option func(*Queue)

// WithRetry 设置失败重试：最多执行 attempts 次，每次间隔 backoff 翻倍。
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(q *Queue) {
		if attempts > 0 {
			q.attempts = attempts
		}
		if backoff > 0 {
			q.backoff = backoff
		}
	}
}

// WithJobTimeout 限制单次执行时长。
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) { q.jobTimeout = d }
}

// Queue 固定 worker 数的内存队列。
type Queue struct {
	logger     *slog.Logger
	workers    int
	jobs       chan Job
	attempts   int
	backoff    time.Duration
	jobTimeout time.Duration

	// mu 保护 closed 与对 jobs 的发送，避免向已关闭的通道写入。
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	enqueued, succeeded, failed, dropped, panics atomic.Int64
}

// New 创建队列。workers 与 capacity 至少为 1。
func New(logger *slog.Logger, workers, capacity int, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		logger:   logger,
		workers:  workers,
		jobs:     make(chan Job, capacity),
		attempts: 1,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start 启动 worker，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.execute(ctx, job, id)
		}
	}
}

// execute 按重试策略执行任务，记录结果。
func (q *Queue) execute(ctx context.Context, job Job, workerID int) {
	backoff := q.backoff
	var err error
	for attempt := 1; attempt <= q.attempts; attempt++ {
		var panicked bool
		panicked, err = q.runOnce(ctx, job, workerID)
		if panicked {
			q.panics.Add(1)
			metrics.BackgroundJobsTotal.WithLabelValues(job.Name, "panic").Inc()
			return
		}
		if err == nil {
			q.succeeded.Add(1)
			metrics.BackgroundJobsTotal.WithLabelValues(job.Name, "ok").Inc()
			return
		}
		if attempt == q.attempts {
			break
		}
		q.logger.Warn("job failed, retrying",
			slog.String("job", job.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			attempt = q.attempts
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	q.failed.Add(1)
	metrics.BackgroundJobsTotal.WithLabelValues(job.Name, "failed").Inc()
	q.logger.Error("job failed",
		slog.String("job", job.Name),
		slog.Int("worker_id", workerID),
		slog.String("error", err.Error()))
}

func (q *Queue) runOnce(ctx context.Context, job Job, workerID int) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			q.logger.Error("job panic recovered",
				slog.String("job", job.Name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	return false, job.Run(ctx)
}

// Enqueue 非阻塞入队。队列满返回 ErrFull，已关闭返回 ErrClosed。
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no body", job.Name)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		metrics.BackgroundJobsTotal.WithLabelValues(job.Name, "dropped").Inc()
		q.logger.Warn("queue full, drop job",
			slog.String("job", job.Name),
			slog.Int("capacity", cap(q.jobs)))
		return ErrFull
	}
}

// Shutdown 拒绝新任务，等待已入队任务执行完毕或 ctx 到期。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Panics:    q.panics.Load(),
	}
}

// Len 当前待处理任务数。
func (q *Queue) Len() int {
	return len(q.jobs)
}
