package certify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crashgenius/internal/observability"
	"crashgenius/internal/queue"
	"crashgenius/internal/report"
	"crashgenius/internal/store"
)

type Source interface {
	PopCertification(ctx context.Context, timeout time.Duration) (queue.CertificationJob, error)
}

// depthSource is implemented by queues that can report their backlog.
type depthSource interface {
	Depth(ctx context.Context) (int64, error)
}

type Records interface {
	GetReport(ctx context.Context, id string) (store.ReportRecord, error)
	CompleteCertification(ctx context.Context, id, contentHash, contentID string) error
	UpdateCertificationStatus(ctx context.Context, id, status, reason string) error
}

// Worker drains certification jobs: it recomputes the report hash, derives the content id
// and leaves the request waiting for an external wallet signature.
type Worker struct {
	source  Source
	records Records
	metrics *observability.Metrics
	logger  *zap.Logger
	poll    time.Duration
}

func NewWorker(source Source, records Records, metrics *observability.Metrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{source: source, records: records, metrics: metrics, logger: logger, poll: 5 * time.Second}
}

func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("certification worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w.reportDepth(ctx)
		job, err := w.source.PopCertification(ctx, w.poll)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var malformed *queue.MalformedJobError
			if errors.As(err, &malformed) {
				w.dropMalformed(ctx, malformed)
				continue
			}
			w.logger.Warn("certification pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		_ = w.Process(ctx, job)
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	ds, ok := w.source.(depthSource)
	if !ok {
		return
	}
	depth, err := ds.Depth(ctx)
	if err != nil {
		w.logger.Debug("certification queue depth unavailable", zap.Error(err))
		return
	}
	w.metrics.SetQueueDepth(depth)
}

// dropMalformed discards an undecodable payload. The certification row is failed when its id survived.
func (w *Worker) dropMalformed(ctx context.Context, malformed *queue.MalformedJobError) {
	w.metrics.ObserveCertification(malformed)
	w.logger.Error("certification job malformed",
		zap.String("payload", malformed.Payload),
		zap.String("certification_id", malformed.Job.CertificationID),
		zap.Error(malformed.Err))
	if malformed.Job.CertificationID == "" {
		return
	}
	if err := w.records.UpdateCertificationStatus(ctx, malformed.Job.CertificationID, store.CertificationFailed, malformed.Error()); err != nil {
		w.logger.Error("certification status update failed", zap.String("certification_id", malformed.Job.CertificationID), zap.Error(err))
	}
}

// Process handles one job. Failures are recorded on the certification row.
func (w *Worker) Process(ctx context.Context, job queue.CertificationJob) error {
	err := w.process(ctx, job)
	w.metrics.ObserveCertification(err)
	if err != nil {
		w.logger.Warn("certification failed",
			zap.String("certification_id", job.CertificationID),
			zap.String("report_id", job.ReportID),
			zap.Error(err))
		if uerr := w.records.UpdateCertificationStatus(ctx, job.CertificationID, store.CertificationFailed, err.Error()); uerr != nil {
			w.logger.Error("certification status update failed", zap.String("certification_id", job.CertificationID), zap.Error(uerr))
		}
		return err
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job queue.CertificationJob) error {
	rec, err := w.records.GetReport(ctx, job.ReportID)
	if err != nil {
		return fmt.Errorf("load report %s: %w", job.ReportID, err)
	}
	hash, err := report.Hash(rec.Report)
	if err != nil {
		return fmt.Errorf("hash report %s: %w", job.ReportID, err)
	}
	if rec.ContentHash != "" && rec.ContentHash != hash {
		w.logger.Warn("stored hash differs from recomputed hash",
			zap.String("report_id", job.ReportID),
			zap.String("stored", rec.ContentHash),
			zap.String("computed", hash))
	}
	cid := report.ContentID(hash)
	if err := w.records.CompleteCertification(ctx, job.CertificationID, hash, cid); err != nil {
		return fmt.Errorf("record certification %s: %w", job.CertificationID, err)
	}
	w.logger.Info("certification ready for signature",
		zap.String("certification_id", job.CertificationID),
		zap.String("report_id", job.ReportID),
		zap.String("content_id", cid))
	return nil
}
