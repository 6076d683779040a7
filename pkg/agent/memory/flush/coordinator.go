// Package flush moves buffered blobs into the extraction pipeline, one
// single-flight flush per (subject, kind).
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/buffer"
	"github.com/EternisAI/enchanted-memory/pkg/kv"
	"github.com/EternisAI/enchanted-memory/pkg/metrics"
)

// Processor turns a drained batch into stored memory.
type Processor interface {
	Process(ctx context.Context, subject memory.Subject, blobs []memory.ChatBlob) error
}

// Coordinator owns the flush lock protocol and the periodic flush cycle.
type Coordinator struct {
	buffer    *buffer.Buffer
	locker    *kv.Locker
	processor Processor
	logger    *log.Logger
	metrics   *metrics.Collector
	opts      memory.Options

	mu       sync.Mutex
	cron     *cron.Cron
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// CoordinatorInput contains the dependencies for a Coordinator.
type CoordinatorInput struct {
	Buffer    *buffer.Buffer
	Locker    *kv.Locker
	Processor Processor
	Logger    *log.Logger
	Metrics   *metrics.Collector
	Options   memory.Options
}

func NewCoordinator(input CoordinatorInput) (*Coordinator, error) {
	if input.Buffer == nil {
		return nil, fmt.Errorf("buffer cannot be nil")
	}
	if input.Locker == nil {
		return nil, fmt.Errorf("locker cannot be nil")
	}
	if input.Processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if input.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Coordinator{
		buffer:    input.Buffer,
		locker:    input.Locker,
		processor: input.Processor,
		logger:    input.Logger,
		metrics:   input.Metrics,
		opts:      input.Options.WithDefaults(),
		baseCtx:   context.Background(),
	}, nil
}

// LockKey names the flush lock of one buffer.
func LockKey(subject memory.Subject, kind memory.BlobKind) string {
	return "flush:" + subject.String() + ":" + string(kind)
}

// FlushNow drains the buffer and hands the batch to the processor while holding
// the flush lock. It returns memory.ErrLockContention when another flush of the
// same key is running. A drained batch is never re-buffered, even on failure.
func (c *Coordinator) FlushNow(ctx context.Context, subject memory.Subject, kind memory.BlobKind) error {
	const op = "flush.flush_now"
	start := time.Now()

	if kind != memory.BlobKindChat {
		// Only chat blobs are extracted; other kinds stay buffered.
		return nil
	}

	lockKey := LockKey(subject, kind)
	token, ok, err := c.locker.Acquire(ctx, lockKey, c.opts.FlushLockTTL)
	if err != nil {
		c.metrics.RecordFlush(string(kind), metrics.FlushOutcomeFailed, time.Since(start))
		return memory.E(op, memory.CodeInternal, fmt.Errorf("acquiring flush lock: %w", err))
	}
	if !ok {
		c.logger.Debug("Flush already in progress", "subject", subject.String(), "kind", kind)
		c.metrics.RecordFlush(string(kind), metrics.FlushOutcomeContention, time.Since(start))
		return memory.E(op, memory.CodeLockContention, fmt.Errorf("%s", lockKey))
	}
	defer func() {
		// Release on a fresh context so a cancelled flush still frees its lock.
		released, err := c.locker.Release(context.WithoutCancel(ctx), lockKey, token)
		if err != nil {
			c.logger.Error("Failed to release flush lock", "key", lockKey, "error", err)
		} else if !released {
			c.logger.Warn("Flush lock expired before release", "key", lockKey)
		}
	}()

	blobs, err := c.buffer.Drain(ctx, subject, kind)
	if len(blobs) == 0 {
		if err != nil {
			c.metrics.RecordFlush(string(kind), metrics.FlushOutcomeFailed, time.Since(start))
			return memory.E(op, memory.CodeInternal, err)
		}
		c.metrics.RecordFlush(string(kind), metrics.FlushOutcomeEmpty, time.Since(start))
		return nil
	}
	if err != nil {
		// Whatever was popped before the error is still processed.
		c.logger.Error("Partial buffer drain", "subject", subject.String(), "error", err)
	}

	c.logger.Info("Flushing buffer", "subject", subject.String(), "kind", kind, "blobs", len(blobs))
	if err := c.processor.Process(ctx, subject, blobs); err != nil {
		c.logger.Error("Flush failed", "subject", subject.String(), "kind", kind, "blobs", len(blobs), "error", err)
		c.metrics.RecordFlush(string(kind), metrics.FlushOutcomeFailed, time.Since(start))
		return memory.Translate(op, err)
	}

	c.metrics.RecordFlush(string(kind), metrics.FlushOutcomeSuccess, time.Since(start))
	c.logger.Info("Flush completed", "subject", subject.String(), "kind", kind, "elapsed", time.Since(start))
	return nil
}

type flushJob struct {
	coordinator *Coordinator
	key         buffer.Key
}

func (j flushJob) Process(ctx context.Context) (struct{}, error) {
	return struct{}{}, j.coordinator.FlushNow(ctx, j.key.Subject, j.key.Kind)
}

// CycleReport summarizes one pass over the pending buffers.
type CycleReport struct {
	Flushed   int
	Contended int
	Failed    int
}

// RunCycle flushes every pending chat buffer with bounded parallelism.
// Lock contention is not a failure. Failures are returned joined.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	keys, err := c.buffer.Pending(ctx)
	if err != nil {
		return report, memory.E("flush.run_cycle", memory.CodeInternal, err)
	}

	jobs := make([]flushJob, 0, len(keys))
	for _, key := range keys {
		if key.Kind != memory.BlobKindChat {
			continue
		}
		jobs = append(jobs, flushJob{coordinator: c, key: key})
	}
	if len(jobs) == 0 {
		return report, nil
	}

	pool := NewWorkerPool[flushJob](c.opts.FlushConcurrency, c.logger)
	var errs []error
	for res := range pool.Process(ctx, jobs, c.opts.FlushLockTTL) {
		switch {
		case res.Error == nil:
			report.Flushed++
		case errors.Is(res.Error, memory.ErrLockContention):
			report.Contended++
		default:
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", res.Job.key, res.Error))
		}
	}

	c.logger.Debug("Flush cycle finished", "flushed", report.Flushed, "contended", report.Contended, "failed", report.Failed)
	return report, errors.Join(errs...)
}

// Trigger flushes in the background. Used when a buffer grows past its token
// ceiling. Contention is expected and ignored.
func (c *Coordinator) Trigger(subject memory.Subject, kind memory.BlobKind) {
	c.mu.Lock()
	ctx := c.baseCtx
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, c.opts.FlushLockTTL)
		defer cancel()
		if err := c.FlushNow(ctx, subject, kind); err != nil && !errors.Is(err, memory.ErrLockContention) {
			c.logger.Error("Triggered flush failed", "subject", subject.String(), "kind", kind, "error", err)
		}
	}()
}

// ShouldFlush reports whether a buffer of the given size is over the ceiling.
func (c *Coordinator) ShouldFlush(sizeTokens int64) bool {
	return sizeTokens > int64(c.opts.MaxChatBlobBufferTokenSize)
}

// Start schedules RunCycle every FlushInterval until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("flush coordinator already started")
	}

	c.baseCtx, c.cancel = context.WithCancel(ctx)
	logger := cronLogger{c.logger}
	c.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	baseCtx := c.baseCtx
	spec := fmt.Sprintf("@every %s", c.opts.FlushInterval)
	if _, err := c.cron.AddFunc(spec, func() {
		if _, err := c.RunCycle(baseCtx); err != nil {
			c.logger.Error("Flush cycle failed", "error", err)
		}
	}); err != nil {
		c.cron = nil
		c.cancel()
		return fmt.Errorf("scheduling flush cycle: %w", err)
	}

	c.cron.Start()
	c.logger.Info("Flush coordinator started", "interval", c.opts.FlushInterval, "concurrency", c.opts.FlushConcurrency)
	return nil
}

// Stop halts scheduling and waits for running cycles and triggered flushes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	sched, cancel := c.cron, c.cancel
	c.cron = nil
	c.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	c.inflight.Wait()
}

// cronLogger adapts charmbracelet/log to cron.Logger.
type cronLogger struct {
	logger *log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
