package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/agrilog/agrilog/internal/audit"
	jobmetrics "github.com/agrilog/agrilog/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit persistence tasks.
	QueueAudit = audit.QueueName
)

// AuditRecordJob persists audit tasks enqueued by the API process.
type AuditRecordJob struct {
	Sink    audit.Sink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditRecordJob initialises the audit persistence handler.
func NewAuditRecordJob(sink audit.Sink, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRecordJob {
	return &AuditRecordJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle writes one audit entry. Store failures are returned so asynq retries
// the task up to its MaxRetry.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.Metrics.Track(audit.TaskTypeRecord)
	err := audit.HandleRecordTask(j.Sink)(ctx, t)
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		j.logger().Error("audit task failed",
			slog.Int("retry", retried),
			slog.Any("error", err),
		)
	}
	return tracker.End(err)
}

// TaskHandler exposes the job as a worker registration.
func (j *AuditRecordJob) TaskHandler() TaskHandler {
	return TaskHandler{Type: audit.TaskTypeRecord, Handler: j.Handle}
}

func (j *AuditRecordJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
