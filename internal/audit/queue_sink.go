package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// TaskTypeRecord is the asynq task type carrying one audit entry.
	TaskTypeRecord = "audit:record"
	// QueueName is the asynq queue audit tasks are routed to.
	QueueName = "audit"
	// DefaultTaskRetries bounds redelivery of a failed audit task.
	DefaultTaskRetries = 5
)

// Enqueuer is the subset of *asynq.Client used by QueueSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

// QueueSink hands entries to the worker process through asynq. The task id is
// derived from the payload, so re-enqueueing the same entry is a no-op.
type QueueSink struct {
	client   Enqueuer
	maxRetry int
}

// NewQueueSink constructs a QueueSink. maxRetry <= 0 uses DefaultTaskRetries.
func NewQueueSink(client Enqueuer, maxRetry int) *QueueSink {
	if maxRetry <= 0 {
		maxRetry = DefaultTaskRetries
	}
	return &QueueSink{client: client, maxRetry: maxRetry}
}

var _ Sink = (*QueueSink)(nil)

// Write enqueues the entry.
func (s *QueueSink) Write(ctx context.Context, entry Entry) error {
	task, err := NewRecordTask(entry)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(s.maxRetry),
		asynq.TaskID(TaskID(task.Payload())),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: enqueue: %w", err)
	}
	return nil
}

// TaskID derives a stable task id from an encoded entry.
func TaskID(payload []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, payload).String()
}

// NewRecordTask encodes an entry as an asynq task.
func NewRecordTask(entry Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRecord, data), nil
}

// HandleRecordTask returns an asynq handler persisting audit tasks into sink.
// Malformed payloads are not retried.
func HandleRecordTask(sink Sink) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var entry Entry
		if err := json.Unmarshal(t.Payload(), &entry); err != nil {
			return fmt.Errorf("audit: decode task: %v: %w", err, asynq.SkipRetry)
		}
		return sink.Write(ctx, entry)
	}
}
