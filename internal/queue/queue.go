package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "crashgenius:certify"

// ErrEmpty is returned by Pop when no job arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// CertificationJob asks the worker to hash a stored report and record its content id.
type CertificationJob struct {
	CertificationID string    `json:"certificationId"`
	ReportID        string    `json:"reportId"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}

type Queue struct {
	client *redis.Client
	key    string
}

func New(url, key string) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultKey
	}
	return &Queue{client: redis.NewClient(opt), key: key}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) PushCertification(ctx context.Context, job CertificationJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

func (q *Queue) PopCertification(ctx context.Context, timeout time.Duration) (CertificationJob, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return CertificationJob{}, ErrEmpty
	}
	if err != nil {
		return CertificationJob{}, err
	}
	if len(res) < 2 {
		return CertificationJob{}, ErrEmpty
	}
	return decodeJob(res[1])
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// MalformedJobError reports a popped payload that could not be decoded. Job holds
// whatever ids could still be read from it.
type MalformedJobError struct {
	Payload string
	Job     CertificationJob
	Err     error
}

func (e *MalformedJobError) Error() string {
	return fmt.Sprintf("decode certification job: %v", e.Err)
}

func (e *MalformedJobError) Unwrap() error { return e.Err }

var errMissingIDs = errors.New("missing ids")

func decodeJob(raw string) (CertificationJob, error) {
	var job CertificationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		job = salvageIDs(raw)
		return job, &MalformedJobError{Payload: raw, Job: job, Err: err}
	}
	if job.CertificationID == "" || job.ReportID == "" {
		return job, &MalformedJobError{Payload: raw, Job: job, Err: errMissingIDs}
	}
	return job, nil
}

// salvageIDs reads the id fields of a payload whose other fields failed to decode.
func salvageIDs(raw string) CertificationJob {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return CertificationJob{}
	}
	var job CertificationJob
	_ = json.Unmarshal(fields["certificationId"], &job.CertificationID)
	_ = json.Unmarshal(fields["reportId"], &job.ReportID)
	return job
}
