package database

import "context"

// Stats contains aggregate database statistics.
type Stats struct {
	Users                int
	WeeklyReports        int
	ProjectProposals     int
	AwaitingAI           int
	AwaitingAdmin        int
	AwaitingSuperAdmin   int
	Approved             int
	Rejected             int
	Analyses             int
	FailedAnalyses       int
	PendingNotifications int
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM users", &s.Users},
		{"SELECT COUNT(*) FROM subjects WHERE kind = 'weekly_report'", &s.WeeklyReports},
		{"SELECT COUNT(*) FROM subjects WHERE kind = 'project_proposal'", &s.ProjectProposals},
		{"SELECT COUNT(*) FROM subjects WHERE status = 'ai_processing'", &s.AwaitingAI},
		{"SELECT COUNT(*) FROM subjects WHERE status = 'admin_reviewing'", &s.AwaitingAdmin},
		{"SELECT COUNT(*) FROM subjects WHERE status = 'super_admin_reviewing'", &s.AwaitingSuperAdmin},
		{"SELECT COUNT(*) FROM subjects WHERE status = 'approved'", &s.Approved},
		{"SELECT COUNT(*) FROM subjects WHERE status = 'rejected'", &s.Rejected},
		{"SELECT COUNT(*) FROM analysis_records", &s.Analyses},
		{"SELECT COUNT(*) FROM analysis_records WHERE status = 'failed'", &s.FailedAnalyses},
		{"SELECT COUNT(*) FROM notification_outbox WHERE delivered_at IS NULL", &s.PendingNotifications},
	}

	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}
