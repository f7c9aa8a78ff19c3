package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/relay-crm/relay/internal/billing"
	jobmetrics "github.com/relay-crm/relay/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverdueSweepJob marks sent invoices past their due date as overdue.
type OverdueSweepJob struct {
	Billing *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOverdueSweepJob constructs the sweep job.
func NewOverdueSweepJob(svc *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{Billing: svc, Logger: logger, Metrics: metrics}
}

// Handle processes TaskOverdueSweep tasks.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics().Track(TaskOverdueSweep)
	swept, err := j.Billing.SweepOverdue(ctx, time.Now().UTC())
	if err != nil {
		j.logger().Error("overdue sweep", slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger().Info("overdue sweep complete", slog.Int("swept", swept))
	return tracker.End(nil)
}

func (j *OverdueSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOverdueSweep))
	}
	return slog.Default().With(slog.String("job", TaskOverdueSweep))
}

func (j *OverdueSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
