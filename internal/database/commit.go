package database

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// AnalysisUpdate is a compare-and-swap write of an existing record.
// ExpectedVersion defaults to Record.Version when zero.
type AnalysisUpdate struct {
	Record          *review.AnalysisRecord
	ExpectedVersion int64
}

// Change is the set of writes produced by one transition. It is applied
// atomically: either every row is written or none is.
type Change struct {
	// Subject is written with a version check. ExpectedVersion defaults to
	// Subject.Version when zero.
	Subject         *review.Subject
	ExpectedVersion int64

	Inserts []*review.AnalysisRecord
	Updates []AnalysisUpdate
	Events  []review.NotificationEvent
}

// Commit applies c in a single transaction. A version mismatch on any row
// rolls back everything and returns an error wrapping review.ErrConflict.
// On success the in-memory versions of the written rows are advanced.
func (db *DB) Commit(ctx context.Context, c Change) error {
	now := db.now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var subjectExpected int64
	if c.Subject != nil {
		subjectExpected = c.ExpectedVersion
		if subjectExpected == 0 {
			subjectExpected = c.Subject.Version
		}
		c.Subject.UpdatedAt = now
		if err := updateSubject(ctx, tx, c.Subject, subjectExpected); err != nil {
			return err
		}
	}

	for _, r := range c.Inserts {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		if err := insertAnalysis(ctx, tx, r); err != nil {
			return err
		}
	}

	expected := make([]int64, len(c.Updates))
	for i, u := range c.Updates {
		expected[i] = u.ExpectedVersion
		if expected[i] == 0 {
			expected[i] = u.Record.Version
		}
		u.Record.UpdatedAt = now
		if err := updateAnalysis(ctx, tx, u.Record, expected[i]); err != nil {
			return err
		}
	}

	for i := range c.Events {
		if err := insertEvent(ctx, tx, &c.Events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if c.Subject != nil {
		c.Subject.Version = subjectExpected + 1
	}
	for _, r := range c.Inserts {
		r.Version = 1
	}
	for i, u := range c.Updates {
		u.Record.Version = expected[i] + 1
	}
	return nil
}
