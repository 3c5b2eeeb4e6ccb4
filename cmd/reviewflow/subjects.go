package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/intake"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

var (
	draftOwner   string
	draftTitle   string
	draftSummary string
	draftBody    string
	draftPeriod  string
	draftFromURL string
)

// --- report / proposal commands ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Manage weekly reports",
}

var reportCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a weekly report draft",
	RunE: func(cmd *cobra.Command, args []string) error {
		period := draftPeriod
		if period == "" {
			period = database.WeekPeriod(time.Now())
		}
		if !database.ValidPeriodID(period) {
			return fmt.Errorf("invalid period %q, expected YYYY-MM-DD or YYYY-MM-DD..YYYY-MM-DD", period)
		}
		return createDraft(cmd, review.KindWeeklyReport, review.Content{
			Title:    draftTitle,
			Summary:  draftSummary,
			Body:     draftBody,
			PeriodID: period,
		})
	},
}

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Manage project proposals",
}

var proposalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project proposal draft",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := review.Content{Title: draftTitle, Summary: draftSummary, Body: draftBody}
		if draftFromURL != "" {
			doc, err := intake.NewDocumentFetcher(cfg.Intake.FetchTimeout).Fetch(cmd.Context(), draftFromURL)
			if err != nil {
				return err
			}
			c.SourceURL = doc.URL
			if c.Title == "" {
				c.Title = doc.Title
			}
			if c.Summary == "" {
				c.Summary = doc.Summary
			}
			if c.Body == "" {
				c.Body = doc.Text
			}
		}
		return createDraft(cmd, review.KindProjectProposal, c)
	},
}

func createDraft(cmd *cobra.Command, kind review.Kind, c review.Content) error {
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("--title is required")
	}
	owner, err := callerID(draftOwner)
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.GetUser(cmd.Context(), owner); err != nil {
		return fmt.Errorf("owner %s: %w (add with: reviewflow users add)", owner, err)
	}
	s := &review.Subject{Kind: kind, OwnerID: owner, Content: c}
	id, err := db.InsertSubject(cmd.Context(), s)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s draft [%d]: %s\n", kind, id, c.Title)
	fmt.Printf("Submit it with: reviewflow submit %d\n", id)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{reportCreateCmd, proposalCreateCmd} {
		c.Flags().StringVar(&draftOwner, "owner", "", "Owner user id (default $REVIEWFLOW_USER)")
		c.Flags().StringVar(&draftTitle, "title", "", "Title")
		c.Flags().StringVar(&draftSummary, "summary", "", "One-line summary")
		c.Flags().StringVar(&draftBody, "body", "", "Body text (Markdown)")
	}
	reportCreateCmd.Flags().StringVar(&draftPeriod, "period", "", "Reporting period (default: current week)")
	proposalCreateCmd.Flags().StringVar(&draftFromURL, "from-url", "", "Seed the proposal from a document URL")

	reportCmd.AddCommand(reportCreateCmd)
	proposalCmd.AddCommand(proposalCreateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(proposalCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(historyCmd)
}

// --- import command ---

var importDaysBack int

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import weekly report drafts from configured team feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Intake.Feeds) == 0 {
			fmt.Println("No feeds configured. Add some under intake.feeds in the config.")
			return nil
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		importer := intake.NewFeedImporter(db, cfg.Intake.Feeds, cfg.Intake.FetchTimeout, logger)
		result, err := importer.Import(cmd.Context(), importDaysBack)
		if err != nil {
			return err
		}

		fmt.Println("Import complete:")
		fmt.Printf("  Entries found: %d\n", result.TotalFound)
		fmt.Printf("  Drafts created: %d\n", result.Created)
		fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)

		if len(result.Feeds) > 0 {
			fmt.Println("\nDrafts by feed:")
			names := make([]string, 0, len(result.Feeds))
			for name := range result.Feeds {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool { return result.Feeds[names[i]] > result.Feeds[names[j]] })
			for _, name := range names {
				fmt.Printf("  %s: %d\n", name, result.Feeds[name])
			}
		}
		return nil
	},
}

func init() {
	importCmd.Flags().IntVar(&importDaysBack, "days-back", 7, "Only import entries from the last N days")
}

// --- list / show / history commands ---

var (
	listKind   string
	listStatus string
	listOwner  string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List subjects",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := database.SubjectFilter{OwnerID: listOwner, Limit: listLimit}
		if listKind != "" {
			k, err := review.ParseKind(listKind)
			if err != nil {
				return err
			}
			f.Kind = k
		}
		if listStatus != "" {
			st, err := review.ParseStatus(listStatus)
			if err != nil {
				return err
			}
			f.Status = st
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		subjects, err := db.ListSubjects(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(subjects) == 0 {
			fmt.Println("No subjects found.")
			return nil
		}
		for _, s := range subjects {
			fmt.Printf("  [%d] %-22s %-16s %-8s %s\n", s.ID, s.Status, s.Kind, s.OwnerID, s.Content.Title)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listKind, "kind", "", "Filter by kind (weekly_report, project_proposal)")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&listOwner, "owner", "", "Filter by owner")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of subjects")
}

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a subject and its latest analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSubjectID(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := db.GetSubject(cmd.Context(), id)
		if err != nil {
			return err
		}
		printSubject(s)

		records, err := db.ListAnalyses(cmd.Context(), id)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			fmt.Println("\nLatest analysis:")
			printAnalysis(&records[len(records)-1])
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show every analysis and notification of a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSubjectID(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := db.GetSubject(cmd.Context(), id); err != nil {
			return err
		}
		records, err := db.ListAnalyses(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Analyses (%d):\n", len(records))
		for i := range records {
			fmt.Println()
			printAnalysis(&records[i])
		}

		events, err := db.NotificationsForSubject(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("\nNotifications (%d):\n", len(events))
		for _, e := range events {
			state := "pending"
			if e.DeliveredAt != nil {
				state = "delivered"
			} else if e.LastError != "" {
				state = "failing: " + e.LastError
			}
			fmt.Printf("  %s  %s -> %s  to %s  [%s]\n", e.EmittedAt.Local().Format("2006-01-02 15:04"),
				e.Transition.From, e.Transition.To, describeRecipients(e.Recipients), state)
		}
		return nil
	},
}

func printSubject(s *review.Subject) {
	fmt.Printf("[%d] %s\n", s.ID, s.Content.Title)
	fmt.Printf("  Kind: %s\n", s.Kind)
	fmt.Printf("  Owner: %s\n", s.OwnerID)
	fmt.Printf("  Status: %s (version %d)\n", s.Status, s.Version)
	if s.Content.PeriodID != "" {
		fmt.Printf("  Period: %s\n", database.FormatPeriodDisplay(s.Content.PeriodID))
	}
	if s.Content.SourceURL != "" {
		fmt.Printf("  Source: %s\n", s.Content.SourceURL)
	}
	if s.Content.Summary != "" {
		fmt.Printf("  Summary: %s\n", s.Content.Summary)
	}
	if s.Status == review.StatusRejected {
		fmt.Printf("  Rejected by %s: %s\n", s.RejectedBy, s.RejectionReason)
	}
}

func printAnalysis(r *review.AnalysisRecord) {
	fmt.Printf("  %s  %s  %s\n", r.ID, r.Status, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	if r.IsPass != nil {
		verdict := "fail"
		if *r.IsPass {
			verdict = "pass"
		}
		fmt.Printf("    Verdict: %s, confidence %.0f%%, risk %s\n", verdict, r.Confidence*100, r.RiskLevel)
	}
	if r.Escalated {
		fmt.Println("    Escalated: low confidence")
	}
	if r.Fallback {
		fmt.Println("    Fallback: reply was not parsable")
	}
	for _, issue := range r.KeyIssues {
		fmt.Printf("    - %s\n", issue)
	}
	if r.Model != "" {
		fmt.Printf("    Model: %s, %d attempt(s), %s\n", r.Model, r.Attempts, r.Duration.Round(time.Millisecond))
	}
	if r.ErrorMessage != "" {
		fmt.Printf("    Error: %s\n", r.ErrorMessage)
	}
}

func describeRecipients(rs []review.Recipient) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		if r.UserID != "" {
			parts[i] = r.UserID
		} else {
			parts[i] = "all " + string(r.Role)
		}
	}
	return strings.Join(parts, ", ")
}

func parseSubjectID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid subject ID: %s", arg)
	}
	return id, nil
}

// callerID returns explicit, falling back to $REVIEWFLOW_USER.
func callerID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv("REVIEWFLOW_USER"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no user given: pass --as/--owner or set REVIEWFLOW_USER")
}
