// Package cli implements the fdscope command-line interface using Cobra.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/majorcontext/fdscope/internal/config"
	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/ui"
)

var (
	verbose    bool
	traceLog   bool
	jsonOut    bool
	configPath string

	// cfg is loaded before every command runs.
	cfg *config.Config
)

// ExitError carries an exit code without a message, such as the traced
// command's own exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var rootCmd = &cobra.Command{
	Use:   "fdscope",
	Short: "fdscope - watch the files a command opens",
	Long: `fdscope runs a command and reports, in real time, every file it and its
children open and close. It keeps a live table of open descriptors per
process, which can be served over HTTP or recorded for later inspection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The wrapper runs in the target's place and must not fail on a
		// broken config file.
		if cmd == wrapCmd {
			return nil
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		// The hidden helpers share a terminal or a pipe with the caller and
		// must not write debug files as root.
		opts := log.Options{
			Verbose:    verbose,
			Trace:      traceLog,
			JSONFormat: jsonOut,
		}
		if !cmd.Hidden {
			opts.DebugDir = config.DebugDir()
			opts.RetentionDays = cfg.Debug.RetentionDays
		}
		if err := log.Init(opts); err != nil {
			ui.Warnf("failed to initialize debug logging: %v", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command and reports its error.
func Execute() error {
	err := rootCmd.Execute()
	var exit *ExitError
	if err != nil && !errors.As(err, &exit) {
		ui.Error(err.Error())
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&traceLog, "trace", false, "log every descriptor race (implies --verbose)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.fdscope/config.yaml)")
}
