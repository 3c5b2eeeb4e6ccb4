package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

const analysisColumns = `id, subject_id, subject_kind, analysis_kind, request_payload, status, result_text,
	is_pass, confidence, risk_level, key_issues, recommendations, escalated, fallback, model,
	attempts, duration_ms, error_message, created_at, updated_at, completed_at, version`

// GetAnalysis loads one analysis record.
func (db *DB) GetAnalysis(ctx context.Context, id string) (*review.AnalysisRecord, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+analysisColumns+" FROM analysis_records WHERE id = ?", id)
	r, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, review.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis %s: %w", id, err)
	}
	return r, nil
}

// ListAnalyses returns the audit trail for a subject, oldest first.
func (db *DB) ListAnalyses(ctx context.Context, subjectID int64) ([]review.AnalysisRecord, error) {
	return db.queryAnalyses(ctx,
		"SELECT "+analysisColumns+" FROM analysis_records WHERE subject_id = ? ORDER BY created_at, id",
		subjectID)
}

// InFlightAnalyses returns pending and processing records, oldest first.
func (db *DB) InFlightAnalyses(ctx context.Context) ([]review.AnalysisRecord, error) {
	return db.queryAnalyses(ctx,
		"SELECT "+analysisColumns+" FROM analysis_records WHERE status IN ('pending', 'processing') ORDER BY created_at, id")
}

// SaveAnalysis persists a record if its stored version equals expectedVersion.
func (db *DB) SaveAnalysis(ctx context.Context, r *review.AnalysisRecord, expectedVersion int64) error {
	return db.Commit(ctx, Change{Updates: []AnalysisUpdate{{Record: r, ExpectedVersion: expectedVersion}}})
}

func (db *DB) queryAnalyses(ctx context.Context, query string, args ...any) ([]review.AnalysisRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.AnalysisRecord
	for rows.Next() {
		r, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func insertAnalysis(ctx context.Context, tx *sql.Tx, r *review.AnalysisRecord) error {
	issues, recs, err := encodeLists(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO analysis_records (id, subject_id, subject_kind, analysis_kind, request_payload, status,
		result_text, is_pass, confidence, risk_level, key_issues, recommendations, escalated, fallback,
		model, attempts, duration_ms, error_message, created_at, updated_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, r.SubjectID, r.SubjectKind, r.Kind, r.RequestPayload, r.Status,
		nullable(r.ResultText), boolPtr(r.IsPass), r.Confidence, nullable(string(r.RiskLevel)), issues, recs,
		r.Escalated, r.Fallback, nullable(r.Model), r.Attempts, r.Duration.Milliseconds(),
		nullable(r.ErrorMessage), formatTime(r.CreatedAt), formatTime(r.UpdatedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert analysis %s: %w", r.ID, err)
	}
	return nil
}

func updateAnalysis(ctx context.Context, tx *sql.Tx, r *review.AnalysisRecord, expectedVersion int64) error {
	issues, recs, err := encodeLists(r)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE analysis_records SET status = ?, result_text = ?, is_pass = ?, confidence = ?, risk_level = ?,
		key_issues = ?, recommendations = ?, escalated = ?, fallback = ?, model = ?, attempts = ?,
		duration_ms = ?, error_message = ?, updated_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.Status, nullable(r.ResultText), boolPtr(r.IsPass), r.Confidence, nullable(string(r.RiskLevel)),
		issues, recs, r.Escalated, r.Fallback, nullable(r.Model), r.Attempts, r.Duration.Milliseconds(),
		nullable(r.ErrorMessage), formatTime(r.UpdatedAt), formatTimePtr(r.CompletedAt), r.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", r.ID, err)
	}
	return expectOneRow(result, fmt.Sprintf("analysis %s at version %d", r.ID, expectedVersion))
}

func encodeLists(r *review.AnalysisRecord) (issues, recs *string, err error) {
	enc := func(list []string) (*string, error) {
		if len(list) == 0 {
			return nil, nil
		}
		b, err := json.Marshal(list)
		if err != nil {
			return nil, err
		}
		s := string(b)
		return &s, nil
	}
	if issues, err = enc(r.KeyIssues); err != nil {
		return nil, nil, fmt.Errorf("encode key issues: %w", err)
	}
	if recs, err = enc(r.Recommendations); err != nil {
		return nil, nil, fmt.Errorf("encode recommendations: %w", err)
	}
	return issues, recs, nil
}

func boolPtr(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func scanAnalysis(row scanner) (*review.AnalysisRecord, error) {
	var r review.AnalysisRecord
	var subjectKind, kind, status, createdAt, updatedAt string
	var resultText, riskLevel, issues, recs, model, errMsg, completedAt *string
	var isPass *bool
	var durationMS int64
	if err := row.Scan(&r.ID, &r.SubjectID, &subjectKind, &kind, &r.RequestPayload, &status, &resultText,
		&isPass, &r.Confidence, &riskLevel, &issues, &recs, &r.Escalated, &r.Fallback, &model,
		&r.Attempts, &durationMS, &errMsg, &createdAt, &updatedAt, &completedAt, &r.Version); err != nil {
		return nil, err
	}
	r.SubjectKind = review.Kind(subjectKind)
	r.Kind = review.AnalysisKind(kind)
	r.Status = review.RecordStatus(status)
	r.ResultText = deref(resultText)
	r.IsPass = isPass
	r.RiskLevel = review.RiskLevel(deref(riskLevel))
	r.Model = deref(model)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.ErrorMessage = deref(errMsg)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	if issues != nil {
		if err := json.Unmarshal([]byte(*issues), &r.KeyIssues); err != nil {
			return nil, fmt.Errorf("decode key issues of %s: %w", r.ID, err)
		}
	}
	if recs != nil {
		if err := json.Unmarshal([]byte(*recs), &r.Recommendations); err != nil {
			return nil, fmt.Errorf("decode recommendations of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
