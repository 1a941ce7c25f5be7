package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"signalcartel/internal/app"
	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/scheduler"
)

const defaultConfigPath = "configs/config.yaml"

type rootOptions struct {
	configPath string
	interval   string
	dryRun     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "signalcartel",
		Short:         "Multi-instrument regime-aware trigger engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defPath := os.Getenv("SIGNALCARTEL_CONFIG")
	if defPath == "" {
		defPath = defaultConfigPath
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defPath, "config file (yaml)")
	root.PersistentFlags().StringVar(&opts.interval, "interval", "", "override the cycle interval, e.g. 30s or 5m")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "force the paper venue")

	root.AddCommand(newRunCmd(opts), newOnceCmd(opts), newCheckConfigCmd(opts))
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the evaluation loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, closer, err := openSource(opts)
			if err != nil {
				return err
			}
			defer closer.Close()
			a, err := app.NewApp(src)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func newOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, closer, err := openSource(opts)
			if err != nil {
				return err
			}
			defer closer.Close()
			a, err := app.NewApp(src)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			rep, err := a.Cycle(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d instruments, cycle every %s, market %s\n",
				len(cfg.Instruments), cfg.Engine.CycleInterval(), cfg.Market.Source)
			return nil
		},
	}
}

// openSource loads the config, applies flag overrides and sets up logging.
// Overrides pin the config: the file is no longer watched.
func openSource(opts *rootOptions) (*config.Source, io.Closer, error) {
	var src *config.Source
	if opts.interval == "" && !opts.dryRun {
		s, err := config.NewSource(opts.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		src = s
	} else {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		if opts.interval != "" {
			d, ok := scheduler.ParseIntervalDuration(opts.interval)
			if !ok || d < time.Second {
				return nil, nil, fmt.Errorf("invalid --interval %q", opts.interval)
			}
			cfg.Engine.CycleIntervalSeconds = int(d / time.Second)
		}
		if opts.dryRun {
			cfg.Engine.DryRun = true
		}
		src = config.StaticSource(cfg)
	}
	cfg := src.Current()
	closer, err := logger.Setup(logger.FileConfig{
		Path:       cfg.App.LogPath,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
		JSON:       cfg.App.LogJSON,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init log file: %w", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ Config loaded (env=%s, version=%d, %s)", cfg.App.Env, cfg.Version, opts.configPath)
	return src, closer, nil
}
