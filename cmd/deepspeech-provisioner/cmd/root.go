package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deepspeech-provisioner/internal/config"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
	"github.com/oshokin/deepspeech-provisioner/internal/service/provisioner"
	"github.com/oshokin/deepspeech-provisioner/internal/version"
)

var (
	// configPath to the optional settings YAML file.
	configPath string
	// outDir receives the shared libraries and the staging tree.
	outDir string
	// workDir is where the downloaded archive is cached.
	workDir string
	// logLevel for stderr output.
	logLevel string
	// skipProbe bypasses pkg-config.
	skipProbe bool

	// rootCmd locates or provisions libdeepspeech and prints linker directives.
	rootCmd = &cobra.Command{
		Use:   "deepspeech-provisioner",
		Short: "Locate or download libdeepspeech and print linker directives",
		Long: `Probes pkg-config for deepspeech. When it is not installed, downloads the
prebuilt archive (once, cached in the work directory), extracts the lib entries
into the output directory and copies the shared libraries next to it.

Linker directives are printed to stdout, logs go to stderr.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogger,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return provisioner.Run(ctx, options())
		},
	}

	// cleanCmd drops cached downloads and the staging tree.
	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove the cached archive and the staging directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := provisioner.LoadConfig(options())
			if err != nil {
				return err
			}

			return provisioner.Clean(ctx, cfg)
		},
	}
)

// Execute runs the deepspeech-provisioner CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func options() *provisioner.Options {
	return &provisioner.Options{
		ConfigPath: configPath,
		OutDir:     outDir,
		WorkDir:    workDir,
		SkipProbe:  skipProbe,
	}
}

func setupLogger(_ *cobra.Command, _ []string) error {
	level, ok := logger.ParseLogLevel(logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", logLevel)
	}

	logger.SetLevel(level)

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to settings file (optional)")
	flags.StringVar(&outDir, "out-dir", os.Getenv(config.OutDirEnv), "build output directory")
	flags.StringVar(&workDir, "work-dir", "", "directory caching the downloaded archive (default: current directory)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.Flags().BoolVar(&skipProbe, "skip-probe", false, "do not ask pkg-config, always provision")

	rootCmd.AddCommand(cleanCmd)
}
