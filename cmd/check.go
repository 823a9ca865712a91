package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

type checkOptions struct {
	dryRun bool
	strict bool
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Checks every tracked URL once",
		Long: `Fetches each tracked URL, compares it with the stored digest, sends one
email if anything changed and saves the new digests.

Exit status is 0 when the run completes, even if some pages could not be
fetched or the email could not be sent. Configuration, load and save errors
exit 1. With --strict, fetch and email failures exit 1 as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "fetch and compare only; do not email or save digests")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit 1 when any page fetch or the email fails")
	return cmd
}

func runCheck(cmd *cobra.Command, opts *checkOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), rt, app.Options{DryRun: opts.dryRun})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	result, err := a.Run(cmd.Context())
	if err != nil {
		return err
	}
	printSummary(cmd, result)
	if opts.strict && result.HasFailures() {
		return errRunFailed
	}
	return nil
}

func printSummary(cmd *cobra.Command, r tracker.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "checked %d, changed %d, new %d, unchanged %d, failed %d\n",
		r.Checked, r.Changed, r.FirstSeen, r.Unchanged, r.Failed)
	for _, c := range r.Changes {
		suffix := ""
		if c.FirstSeen {
			suffix = " (now tracking)"
		}
		fmt.Fprintf(out, "  changed: %s%s\n", c.URL, suffix)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(out, "  failed:  %s: %s\n", f.URL, f.Reason)
	}
	if r.NotifyErr != nil {
		fmt.Fprintf(out, "  email not sent: %v\n", r.NotifyErr)
	}
	zap.L().Debug("summary printed", zap.String("run_id", r.RunID))
}
