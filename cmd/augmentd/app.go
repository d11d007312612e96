package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/augmentd"
	"pkt.systems/augmentd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("AUGMENTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "augmentd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "augmentd",
		Short:         "augmentd dispatches auction augmentation requests to remote augmentor workers",
		SilenceErrors: true,
		Example: `
  # Listen for augmentor workers on the default port
  augmentd

  # Custom bus endpoint with a Prometheus scrape listener
  augmentd --listen :9985 --metrics-listen :9090

  # Environment configuration
  AUGMENTD_LISTEN=:9985 AUGMENTD_METRICS_LISTEN=:9090 augmentd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			logger.Info("welcome to augmentd", "version", version.Current(), "pid", os.Getpid())

			cfg := configFromViper()
			d, err := augmentd.New(cfg, augmentd.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := d.Start(); err != nil {
				return err
			}
			<-cmd.Context().Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return d.Shutdown(shutdownCtx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", augmentd.DefaultListen, "bus endpoint augmentor workers connect to")
	flags.String("metrics-listen", augmentd.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", augmentd.DefaultPprofListen, "pprof debug endpoint (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime instrumentation to the metrics endpoint")
	flags.Int("inbox-capacity", augmentd.DefaultInboxCapacity, "augment request queue capacity")
	flags.Duration("expiry-interval", augmentd.DefaultExpiryInterval, "deadline sweep cadence")
	flags.Duration("stats-interval", augmentd.DefaultStatsInterval, "in-flight gauge publication cadence")
	bindFlags(flags)

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newBenchCommand(baseLogger))
	return cmd
}

func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})
	viper.SetEnvPrefix("AUGMENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func configFromViper() augmentd.Config {
	return augmentd.Config{
		Listen:                 viper.GetString("listen"),
		MetricsListen:          viper.GetString("metrics-listen"),
		PprofListen:            viper.GetString("pprof-listen"),
		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
		InboxCapacity:          viper.GetInt("inbox-capacity"),
		ExpiryInterval:         viper.GetDuration("expiry-interval"),
		StatsInterval:          viper.GetDuration("stats-interval"),
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the augmentd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			return err
		},
	}
}
