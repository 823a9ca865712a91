package cmd

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
)

type scheduleOptions struct {
	cron   string
	runNow bool
}

func newScheduleCmd() *cobra.Command {
	opts := &scheduleOptions{}
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Runs checks on a cron schedule until interrupted",
		Long: `Keeps the process alive and runs a check on every tick of schedule.cron
(default "0 */6 * * *"). A tick is skipped while the previous run is still
going. Stop with SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchedule(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.cron, "cron", "", "cron expression overriding schedule.cron")
	cmd.Flags().BoolVar(&opts.runNow, "run-now", false, "run one check immediately on start")
	return cmd
}

func runSchedule(cmd *cobra.Command, opts *scheduleOptions) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	spec := opts.cron
	if spec == "" {
		spec = rt.Config.Schedule.Cron
	}

	a, err := newApp(ctx, rt, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	logger := rt.Logger.Named("schedule")
	clog := cronLogger{logger: logger.Sugar()}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	job := func() { runScheduled(ctx, a, logger) }
	if _, err := c.AddFunc(spec, job); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	logger.Info("scheduler started", zap.String("cron", spec))
	c.Start()
	if opts.runNow {
		go c.Entries()[0].WrappedJob.Run()
	}

	<-ctx.Done()
	logger.Info("scheduler stopping; waiting for the active run")
	<-c.Stop().Done()
	return nil
}

func runScheduled(ctx context.Context, a App, logger *zap.Logger) {
	result, err := a.Run(ctx)
	if err != nil {
		logger.Error("scheduled run failed", zap.Error(err))
		return
	}
	logger.Info("scheduled run finished",
		zap.String("run_id", result.RunID),
		zap.Int("changed", result.Changed+result.FirstSeen),
		zap.Int("failed", result.Failed))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
