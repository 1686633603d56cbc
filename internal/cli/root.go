// Package cli provides the nsai command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nsai-detect/backend/internal/app"
	"github.com/nsai-detect/backend/pkg/config"
	"github.com/nsai-detect/backend/pkg/logger"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	configFile string
	verbose    bool

	cfg *config.Config
	svc *app.Services
)

var rootCmd = &cobra.Command{
	Use:   "nsai",
	Short: "Sliced object detection with symbolic refinement",
	Long: `nsai runs tiled object detection over large aerial images, removes
duplicate boxes with class-wise NMS and adjusts confidences with
co-occurrence rules. Every stage is stored so results can be exported,
explained and evaluated afterwards.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logger.Init(level, "console", "stderr"); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		svc, err = app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("init services: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if svc != nil {
			svc.Close(context.Background())
		}
		logger.Sync()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(rulesCmd)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
