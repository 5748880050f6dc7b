package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsm/internal/harness"
)

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <scenario>...",
		Short: "Replay flow scenarios against the state machine",
		Long: `Replay YAML flow scenarios against the state machine.

Each argument is a scenario file or a directory searched recursively for
.yaml and .yml files. Every step's expectations and the scenario's trace
assertions are checked. With --golden-dir the rendered trace is also
compared with <golden-dir>/<name>.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  flowsm test ./scenarios
  flowsm test ./scenarios --filter "ping_*"
  flowsm test ./scenarios --golden-dir ./golden --update
  flowsm test ./scenarios/ping_round_trip.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(rootOpts, args, cmd)
		},
	}

	cmd.Flags().Bool("update", false, "regenerate golden files")
	cmd.Flags().String("filter", "", "filter scenarios by glob pattern")
	cmd.Flags().String("golden-dir", "", "directory of golden trace files")

	return cmd
}

func runTests(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	suiteOpts := harness.SuiteOptions{
		GoldenDir: opts.v.GetString("golden-dir"),
		Update:    opts.v.GetBool("update"),
		Filter:    opts.v.GetString("filter"),
		Options:   []harness.Option{harness.WithLogger(opts.Logger)},
	}
	if suiteOpts.Update && suiteOpts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden-dir")
	}

	files, err := harness.FindScenarioFiles(paths, suiteOpts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	result := harness.RunFiles(files, suiteOpts)
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		var cliErr *CLIError
		if result.Failed > 0 {
			cliErr = &CLIError{Code: ErrCodeTestFailed, Message: fmt.Sprintf("%d scenario(s) failed", result.Failed)}
		}
		if err := f.JSON(result, cliErr); err != nil {
			return err
		}
	} else {
		outputTestText(f, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func outputTestText(f *OutputFormatter, result harness.SuiteResult) {
	w := f.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}

	for _, fr := range result.Files {
		if fr.Pass {
			suffix := ""
			if fr.Golden == "updated" {
				suffix = " (golden updated)"
			}
			fmt.Fprintf(w, "✓ %s%s\n", fr.Name, suffix)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", fr.Name)
		for _, e := range fr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		f.VerboseLog("  scenario file: %s", fr.Path)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}
