package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crashgenius/internal/report"
)

var ErrNotFound = errors.New("not found")

const (
	CertificationQueued            = "queued"
	CertificationAwaitingSignature = "awaiting_signature"
	CertificationFailed            = "failed"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReportRecord is a persisted report plus the provenance of the analysis that produced it.
type ReportRecord struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Language      string        `json:"language"`
	Report        report.Report `json:"report"`
	ContentHash   string        `json:"contentHash"`
	EvidenceCount int           `json:"evidenceCount"`
	CreatedAt     time.Time     `json:"createdAt"`
}

type Certification struct {
	ID          string    `json:"id"`
	ReportID    string    `json:"reportId"`
	ContentHash string    `json:"contentHash,omitempty"`
	ContentID   string    `json:"contentId,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SaveReport stores rec, assigning an id and the content hash when they are empty.
func (s *Store) SaveReport(ctx context.Context, rec ReportRecord) (ReportRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ContentHash == "" {
		hash, err := report.Hash(rec.Report)
		if err != nil {
			return rec, err
		}
		rec.ContentHash = hash
	}
	if rec.Title == "" {
		rec.Title = rec.Report.Title
	}
	content, err := json.Marshal(rec.Report)
	if err != nil {
		return rec, fmt.Errorf("encode report: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO reports (id, title, provider, model, language, content, content_hash, evidence_count)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		RETURNING created_at`,
		rec.ID, rec.Title, rec.Provider, rec.Model, rec.Language, string(content), rec.ContentHash, rec.EvidenceCount,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("insert report: %w", err)
	}
	return rec, nil
}

const reportColumns = `id::text, title, provider, model, language, content, content_hash, evidence_count, created_at`

func scanReport(row interface{ Scan(...any) error }) (ReportRecord, error) {
	var rec ReportRecord
	var content []byte
	if err := row.Scan(&rec.ID, &rec.Title, &rec.Provider, &rec.Model, &rec.Language, &content, &rec.ContentHash, &rec.EvidenceCount, &rec.CreatedAt); err != nil {
		return rec, err
	}
	// Rows are written from sanitized reports; sanitizing again restores the
	// non-nil container invariants lost to a hand-edited row.
	rec.Report = report.Sanitize(json.RawMessage(content))
	return rec, nil
}

func (s *Store) GetReport(ctx context.Context, id string) (ReportRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return ReportRecord{}, ErrNotFound
	}
	rec, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

func (s *Store) ListReports(ctx context.Context, limit, offset int) ([]ReportRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ReportRecord{}
	for rows.Next() {
		rec, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteReport(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCertification opens a queued certification request for an existing report.
func (s *Store) CreateCertification(ctx context.Context, reportID string) (Certification, error) {
	if _, err := uuid.Parse(reportID); err != nil {
		return Certification{}, ErrNotFound
	}
	c := Certification{ID: uuid.NewString(), ReportID: reportID, Status: CertificationQueued}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO certifications (id, report_id, status)
		SELECT $1, id, $3 FROM reports WHERE id = $2
		RETURNING requested_at, updated_at`,
		c.ID, reportID, c.Status,
	).Scan(&c.RequestedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("insert certification: %w", err)
	}
	return c, nil
}

// CompleteCertification records the computed hash and content id and moves the request
// to awaiting_signature.
func (s *Store) CompleteCertification(ctx context.Context, id, contentHash, contentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE certifications
		SET content_hash = $2, content_id = $3, status = $4, error = '', updated_at = now()
		WHERE id = $1`,
		id, contentHash, contentID, CertificationAwaitingSignature)
	return affectedOne(res, err)
}

func (s *Store) UpdateCertificationStatus(ctx context.Context, id, status, reason string) error {
	switch status {
	case CertificationQueued, CertificationAwaitingSignature, CertificationFailed:
	default:
		return fmt.Errorf("unknown certification status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE certifications SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, status, reason)
	return affectedOne(res, err)
}

// GetCertification returns the most recent certification request for a report.
func (s *Store) GetCertification(ctx context.Context, reportID string) (Certification, error) {
	var c Certification
	if _, err := uuid.Parse(reportID); err != nil {
		return c, ErrNotFound
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT id::text, report_id::text, content_hash, content_id, status, error, requested_at, updated_at
		FROM certifications WHERE report_id = $1
		ORDER BY requested_at DESC LIMIT 1`, reportID,
	).Scan(&c.ID, &c.ReportID, &c.ContentHash, &c.ContentID, &c.Status, &c.Error, &c.RequestedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
