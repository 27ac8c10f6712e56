package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink persists audit entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// RecorderMetrics receives recorder lifecycle events.
type RecorderMetrics interface {
	AuditEnqueued()
	AuditDropped(reason string)
	AuditWritten()
	AuditFailed()
}

// Drop reasons reported to RecorderMetrics.
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
)

// RecorderConfig tunes the asynchronous recorder.
type RecorderConfig struct {
	QueueSize    int
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = defaultRetryDelay
	}
	return c
}

// Recorder accepts audit entries without blocking the caller and persists them
// in the background. Failures are logged and never reach the request path.
type Recorder struct {
	sink    Sink
	cfg     RecorderConfig
	queue   chan Entry
	logger  *slog.Logger
	metrics RecorderMetrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewRecorder constructs a Recorder. metrics may be nil.
func NewRecorder(sink Sink, cfg RecorderConfig, metrics RecorderMetrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Recorder{
		sink:    sink,
		cfg:     cfg,
		queue:   make(chan Entry, cfg.QueueSize),
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordAction redacts and enqueues an entry. It never blocks: when the queue
// is full or the recorder has shut down the entry is dropped with a warning.
func (r *Recorder) RecordAction(_ context.Context, entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	entry.PreviousState = RedactJSON(entry.PreviousState)
	entry.NewState = RedactJSON(entry.NewState)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(entry, DropClosed)
		return
	}
	select {
	case r.queue <- entry:
		if r.metrics != nil {
			r.metrics.AuditEnqueued()
		}
	default:
		r.drop(entry, DropQueueFull)
	}
}

// Pending reports the number of queued entries.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

// Run drains the queue with a fixed worker pool until ctx is cancelled, then
// persists whatever is still queued and returns.
func (r *Recorder) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case entry := <-r.queue:
					r.persist(writeCtx, entry)
				}
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	drained := 0
	for {
		select {
		case entry := <-r.queue:
			r.persist(writeCtx, entry)
			drained++
		default:
			r.logger.Info("audit recorder stopped", slog.Int("drained", drained))
			return nil
		}
	}
}

func (r *Recorder) persist(ctx context.Context, entry Entry) {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err = r.sink.Write(ctx, entry); err == nil {
			if r.metrics != nil {
				r.metrics.AuditWritten()
			}
			return
		}
		if attempt < r.cfg.MaxAttempts && r.cfg.RetryBackoff > 0 {
			time.Sleep(time.Duration(attempt) * r.cfg.RetryBackoff)
		}
	}
	if r.metrics != nil {
		r.metrics.AuditFailed()
	}
	r.logger.Error("audit record dropped after retries",
		slog.String("target_table", entry.TargetTable),
		slog.String("action", string(entry.Action)),
		slog.Int("attempts", r.cfg.MaxAttempts),
		slog.Any("error", err))
}

func (r *Recorder) drop(entry Entry, reason string) {
	if r.metrics != nil {
		r.metrics.AuditDropped(reason)
	}
	r.logger.Warn("audit record dropped",
		slog.String("reason", reason),
		slog.String("target_table", entry.TargetTable),
		slog.String("action", string(entry.Action)))
}
