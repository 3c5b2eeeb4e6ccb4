package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/reviewflow/internal/pipeline"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

var (
	actAs         string
	expectVersion int64
	expectStatus  string
	rejectReason  string
)

var submitCmd = &cobra.Command{
	Use:   "submit [id]",
	Short: "Submit a draft or rejected subject for AI review",
	Long: "Submit moves the subject to AI review and waits for the analysis to finish. " +
		"Interrupted analyses are resumed by the next 'reviewflow serve'.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSubjectID(args[0])
		if err != nil {
			return err
		}
		caller, err := callerID(actAs)
		if err != nil {
			return err
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		version, status, err := expectedState(ctx, rt, id)
		if err != nil {
			rt.Close(ctx)
			return err
		}
		s, err := rt.coord.Submit(ctx, pipeline.SubmitCommand{
			SubjectID:       id,
			CallerID:        caller,
			ExpectedVersion: version,
			ExpectedStatus:  status,
		})
		if err != nil {
			rt.Close(ctx)
			return explain(err)
		}
		fmt.Printf("Submitted [%d] %s, waiting for AI review...\n", s.ID, s.Content.Title)

		rt.Close(context.WithoutCancel(ctx))
		return reportOutcome(ctx, id)
	},
}

func reportOutcome(ctx context.Context, id int64) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.GetSubject(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println()
	printSubject(s)
	return nil
}

var approveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a subject at your review tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], pipeline.VerbApprove)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject a subject at your review tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], pipeline.VerbReject)
	},
}

func decide(cmd *cobra.Command, arg string, verb pipeline.Verb) error {
	id, err := parseSubjectID(arg)
	if err != nil {
		return err
	}
	caller, err := callerID(actAs)
	if err != nil {
		return err
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer rt.Close(context.WithoutCancel(ctx))

	version, status, err := expectedState(ctx, rt, id)
	if err != nil {
		return err
	}
	s, err := rt.coord.HumanDecision(ctx, pipeline.DecisionCommand{
		SubjectID:       id,
		CallerID:        caller,
		Verb:            verb,
		Reason:          rejectReason,
		ExpectedVersion: version,
		ExpectedStatus:  status,
	})
	if err != nil {
		return explain(err)
	}
	fmt.Printf("[%d] %s is now %s (version %d)\n", s.ID, s.Content.Title, s.Status, s.Version)
	return nil
}

// expectedState returns the state the command acts on: the flags when given,
// otherwise the subject's version as it is read now.
func expectedState(ctx context.Context, rt *runtime, id int64) (int64, review.Status, error) {
	var status review.Status
	if expectStatus != "" {
		st, err := review.ParseStatus(expectStatus)
		if err != nil {
			return 0, "", err
		}
		status = st
	}
	if expectVersion != 0 || status != "" {
		return expectVersion, status, nil
	}
	s, err := rt.db.GetSubject(ctx, id)
	if err != nil {
		return 0, "", err
	}
	return s.Version, "", nil
}

// explain adds a hint for errors the user can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, review.ErrConflict):
		return fmt.Errorf("%w\nThe subject changed meanwhile; check it with 'reviewflow show' and retry", err)
	case errors.Is(err, review.ErrForbidden):
		return fmt.Errorf("%w\nCheck your roles with 'reviewflow users list'", err)
	}
	return err
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, approveCmd, rejectCmd} {
		c.Flags().StringVar(&actAs, "as", "", "Acting user id (default $REVIEWFLOW_USER)")
		c.Flags().Int64Var(&expectVersion, "expect-version", 0, "Fail with a conflict unless the subject is at this version (default: its current version)")
		c.Flags().StringVar(&expectStatus, "expect-status", "", "Fail with a conflict unless the subject is in this status")
	}
	rejectCmd.Flags().StringVarP(&rejectReason, "reason", "r", "", "Rejection reason shown to the owner")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}
