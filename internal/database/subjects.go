package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

const subjectColumns = `id, kind, owner_id, status, title, summary, body, period_id, source_url,
	current_analysis_id, rejected_by, rejection_reason, rejected_at,
	created_at, updated_at, submitted_at, decided_at, version`

// InsertSubject stores a new draft and fills in its ID, timestamps and version.
func (db *DB) InsertSubject(ctx context.Context, s *review.Subject) (int64, error) {
	now := db.now().UTC()
	if s.Status == "" {
		s.Status = review.StatusDraft
	}
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO subjects (kind, owner_id, status, title, summary, body, period_id, source_url,
		created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		s.Kind, s.OwnerID, s.Status, s.Content.Title, nullable(s.Content.Summary), nullable(s.Content.Body),
		nullable(s.Content.PeriodID), nullable(s.Content.SourceURL), formatTime(now), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert subject: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

// GetSubject loads a subject together with its current version.
func (db *DB) GetSubject(ctx context.Context, id int64) (*review.Subject, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+subjectColumns+" FROM subjects WHERE id = ?", id)
	s, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %d: %w", id, review.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load subject %d: %w", id, err)
	}
	return s, nil
}

// GetSubjectBySourceURL returns nil when no subject was imported from url.
func (db *DB) GetSubjectBySourceURL(ctx context.Context, url string) (*review.Subject, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+subjectColumns+" FROM subjects WHERE source_url = ?", url)
	s, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SubjectFilter narrows ListSubjects. Zero values match everything.
type SubjectFilter struct {
	Kind    review.Kind
	Status  review.Status
	OwnerID string
	Limit   int
}

// ListSubjects returns subjects newest first.
func (db *DB) ListSubjects(ctx context.Context, f SubjectFilter) ([]review.Subject, error) {
	query := "SELECT " + subjectColumns + " FROM subjects WHERE 1=1"
	var args []any
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, f.OwnerID)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateContent replaces author-owned fields. Only drafts and rejected
// subjects may be edited; the edit bumps the version so in-flight readers
// notice.
func (db *DB) UpdateContent(ctx context.Context, id int64, c review.Content, expectedVersion int64) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE subjects SET title = ?, summary = ?, body = ?, period_id = ?, source_url = ?,
		updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status IN ('draft', 'rejected')`,
		c.Title, nullable(c.Summary), nullable(c.Body), nullable(c.PeriodID), nullable(c.SourceURL),
		formatTime(db.now()), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return expectOneRow(result, fmt.Sprintf("subject %d", id))
}

// SaveSubject persists pipeline-owned fields if the stored version still
// equals expectedVersion, then bumps s.Version.
func (db *DB) SaveSubject(ctx context.Context, s *review.Subject, expectedVersion int64) error {
	return db.Commit(ctx, Change{Subject: s, ExpectedVersion: expectedVersion})
}

func updateSubject(ctx context.Context, tx *sql.Tx, s *review.Subject, expectedVersion int64) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE subjects SET status = ?, current_analysis_id = ?, rejected_by = ?, rejection_reason = ?,
		rejected_at = ?, updated_at = ?, submitted_at = ?, decided_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		s.Status, nullable(s.CurrentAnalysisID), nullable(string(s.RejectedBy)), nullable(s.RejectionReason),
		formatTimePtr(s.RejectedAt), formatTime(s.UpdatedAt), formatTimePtr(s.SubmittedAt),
		formatTimePtr(s.DecidedAt), s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update subject %d: %w", s.ID, err)
	}
	return expectOneRow(result, fmt.Sprintf("subject %d at version %d", s.ID, expectedVersion))
}

func expectOneRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", review.ErrConflict, what)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubject(row scanner) (*review.Subject, error) {
	var s review.Subject
	var kind, status, createdAt, updatedAt string
	var summary, body, periodID, sourceURL *string
	var currentID, rejectedBy, reason, rejectedAt *string
	var submittedAt, decidedAt *string
	if err := row.Scan(&s.ID, &kind, &s.OwnerID, &status, &s.Content.Title, &summary, &body, &periodID,
		&sourceURL, &currentID, &rejectedBy, &reason, &rejectedAt, &createdAt, &updatedAt,
		&submittedAt, &decidedAt, &s.Version); err != nil {
		return nil, err
	}
	s.Kind = review.Kind(kind)
	s.Status = review.Status(status)
	s.Content.Summary = deref(summary)
	s.Content.Body = deref(body)
	s.Content.PeriodID = deref(periodID)
	s.Content.SourceURL = deref(sourceURL)
	s.CurrentAnalysisID = deref(currentID)
	s.RejectedBy = review.Role(deref(rejectedBy))
	s.RejectionReason = deref(reason)
	s.RejectedAt = parseTimePtr(rejectedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.SubmittedAt = parseTimePtr(submittedAt)
	s.DecidedAt = parseTimePtr(decidedAt)
	return &s, nil
}
