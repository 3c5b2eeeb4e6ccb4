package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

func insertEvent(ctx context.Context, tx *sql.Tx, e *review.NotificationEvent) error {
	transition, err := json.Marshal(e.Transition)
	if err != nil {
		return err
	}
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_outbox (id, subject_id, subject_kind, transition, recipients, payload, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubjectID, e.SubjectKind, string(transition), string(recipients), string(payload),
		formatTime(e.EmittedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// PendingNotifications returns undelivered events that have been tried
// fewer than maxAttempts times, oldest first, starting after the event at
// (afterEmitted, afterID). A zero afterEmitted starts at the beginning.
func (db *DB) PendingNotifications(ctx context.Context, afterEmitted time.Time, afterID string, limit, maxAttempts int) ([]review.NotificationEvent, error) {
	after := formatTime(afterEmitted)
	return db.queryEvents(ctx,
		`SELECT id, subject_id, subject_kind, transition, recipients, payload, emitted_at, attempts, last_error, delivered_at
		FROM notification_outbox
		WHERE delivered_at IS NULL AND attempts < ? AND (emitted_at > ? OR (emitted_at = ? AND id > ?))
		ORDER BY emitted_at, id LIMIT ?`, maxAttempts, after, after, afterID, limit)
}

// NotificationsForSubject returns every event emitted for a subject, oldest first.
func (db *DB) NotificationsForSubject(ctx context.Context, subjectID int64) ([]review.NotificationEvent, error) {
	return db.queryEvents(ctx,
		`SELECT id, subject_id, subject_kind, transition, recipients, payload, emitted_at, attempts, last_error, delivered_at
		FROM notification_outbox WHERE subject_id = ? ORDER BY emitted_at, id`, subjectID)
}

// MarkNotificationDelivered records a successful delivery.
func (db *DB) MarkNotificationDelivered(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE notification_outbox SET delivered_at = ?, attempts = attempts + 1, last_error = NULL WHERE id = ?`,
		formatTime(db.now()), id)
	return err
}

// MarkNotificationFailed counts a failed delivery attempt.
func (db *DB) MarkNotificationFailed(ctx context.Context, id string, cause error) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE notification_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		cause.Error(), id)
	return err
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]review.NotificationEvent, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.NotificationEvent
	for rows.Next() {
		var e review.NotificationEvent
		var kind, transition, recipients, payload, emittedAt string
		var lastError, deliveredAt *string
		if err := rows.Scan(&e.ID, &e.SubjectID, &kind, &transition, &recipients, &payload, &emittedAt,
			&e.Attempts, &lastError, &deliveredAt); err != nil {
			return nil, err
		}
		e.SubjectKind = review.Kind(kind)
		if err := json.Unmarshal([]byte(transition), &e.Transition); err != nil {
			return nil, fmt.Errorf("decode transition of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(recipients), &e.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
		}
		e.EmittedAt = parseTime(emittedAt)
		e.LastError = deref(lastError)
		e.DeliveredAt = parseTimePtr(deliveredAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
