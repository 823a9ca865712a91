// Package cmd defines the pagewatch CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/logging"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// version is set at build time with -ldflags "-X github.com/JakeFAU/pagewatch/cmd.version=...".
var version = "dev"

// Runtime is what every subcommand receives from the root pre-run hook.
type Runtime struct {
	Config config.Config
	Logger *zap.Logger
	tracer *sdktrace.TracerProvider
	closed bool
}

// App is the slice of *app.App the commands use. Tests inject a fake.
type App interface {
	Run(ctx context.Context) (tracker.RunResult, error)
	Close()
}

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, rt *Runtime, opts app.Options) (App, error) {
	return app.New(ctx, rt.Config, rt.Logger, opts)
}

const shutdownTimeout = 5 * time.Second

// errRunFailed marks a run that completed but, under --strict, counts as failed.
var errRunFailed = errors.New("run completed with failures")

type rootOptions struct {
	cfgFile string
	envFile string
	debug   bool
	// rt is closed by execute, after the command returns, on success and error alike.
	rt *Runtime
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pagewatch",
		Short: "Watches web pages and emails when their content changes.",
		Long: `pagewatch fetches a list of web pages, compares each page's SHA-256
digest with the one stored on the previous run and sends a single email
listing every page that changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			rt, err := buildRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			opts.rt = rt
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./pagewatch.yaml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging at debug level")

	cmd.AddCommand(newCheckCmd(), newScheduleCmd(), newVersionCmd())
	return cmd, opts
}

func buildRuntime(ctx context.Context, opts *rootOptions) (*Runtime, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Logging = logging.Config{Development: true, Level: "debug"}
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, err := telemetry.InitTracerProvider(ctx, "pagewatch", version)
	if err != nil {
		return nil, err
	}
	return &Runtime{Config: cfg, Logger: logger, tracer: tp}, nil
}

// close flushes the tracer and logger. It is safe to call more than once.
func (rt *Runtime) close(ctx context.Context) {
	if rt == nil || rt.closed {
		return
	}
	rt.closed = true
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			rt.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = rt.Logger.Sync()
}

func resolveRuntime(ctx context.Context) (*Runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*Runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	root, opts := newRootCmd()
	return execute(ctx, root, opts, os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, opts *rootOptions, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	// The signal context may already be canceled; flushing still gets a short window.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	defer opts.rt.close(closeCtx)
	if err != nil {
		logger := zap.L()
		var cfgErr *tracker.ConfigError
		switch {
		case errors.Is(err, errRunFailed):
			logger.Warn("run finished with failures")
		case errors.As(err, &cfgErr):
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		default:
			fmt.Fprintf(os.Stderr, "pagewatch: %v\n", err)
			logger.Error("command failed", zap.Error(err))
		}
		_ = logger.Sync()
		return 1
	}
	return 0
}
