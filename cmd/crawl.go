package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/app"
	"github.com/JakeFAU/pagefleet/internal/config"
	"github.com/JakeFAU/pagefleet/internal/logging"
	"github.com/JakeFAU/pagefleet/internal/telemetry"
)

// runFunc executes one crawl with a loaded configuration.
type runFunc func(ctx context.Context, cfg config.Config, logger *zap.Logger) error

// newCrawlCmd creates the 'crawl' subcommand. Its flags override the config
// file and PAGEFLEET_* environment variables.
func newCrawlCmd(cfgFile *string, run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Visit every job in the backlog",
		Long: `Loads the backlog files, starts one browser per worker on consecutive
command ports and processes every job. The command exits once all jobs are
done and every worker has stopped, or on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, *cfgFile, run)
		},
	}

	f := cmd.Flags()
	f.StringSliceP("input-file", "i", nil, "backlog JSON file, or a directory of them; repeatable")
	f.IntP("num-browser", "n", 1, "number of browsers (workers) to run")
	f.Int("ext-start-port", 4000, "command port of the first browser; worker i uses port+i")
	f.Bool("restart-browser", false, "start a fresh browser for every job")
	f.StringP("browser", "b", "firefox", "browser engine: firefox or chrome")
	f.String("screenshot-dir", "", "base directory for screenshots")
	f.String("dom-dir", "", "base directory for DOM captures")
	f.String("visit-chain-dir", "", "base directory for visit chain files")
	f.String("proxy-file", "", "JSON file with {\"proxies\": [[host, port, type], ...]}")
	f.String("proxy-scheme", "round-robin", "proxy selection scheme")
	f.String("tags-file", "", "JSON file of tag rules applied to every DOM")
	f.StringP("verbosity", "v", "INFO", "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	f.String("ops-addr", "", "listen address for health and metrics; empty disables it")

	return cmd
}

func runCrawlCommand(cmd *cobra.Command, cfgFile string, run runFunc) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted")
			return nil
		}
		return err
	}
	return nil
}

func runApp(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init crawl: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("failed to clean up run", zap.Error(cerr))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, "pagefleet", a.RunID())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if serr := tp.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("failed to shut down tracer provider", zap.Error(serr))
		}
	}()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	logger.Info("crawl command finished")
	return nil
}
