package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsm/internal/config"
)

// ConfigValidation is the output of config validate.
type ConfigValidation struct {
	File   string       `json:"file"`
	Valid  bool         `json:"valid"`
	Config *config.Node `json:"config,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with node configuration files",
	}

	validate := &cobra.Command{
		Use:   "validate <file.cue>",
		Short: "Validate a node configuration against the schema",
		Long: `Validate a CUE node configuration against the built-in schema and print
the effective configuration, schema defaults included.

Example:
  flowsm config validate ./alice.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(rootOpts, args[0], cmd)
		},
	}

	cmd.AddCommand(validate)
	return cmd
}

func runConfigValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	node, err := config.Load(path)
	if err != nil {
		var details any
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) && cfgErr.Pos.IsValid() {
			details = map[string]any{"file": cfgErr.Pos.Filename(), "line": cfgErr.Pos.Line(), "column": cfgErr.Pos.Column()}
		}
		if outErr := f.Error(ErrCodeConfigInvalid, err.Error(), details); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}

	if opts.Format == "json" {
		return f.JSON(ConfigValidation{File: path, Valid: true, Config: &node}, nil)
	}

	w := f.Writer
	fmt.Fprintf(w, "✓ %s is valid\n", path)
	fmt.Fprintf(w, "  identity:     %s\n", node.Identity)
	fmt.Fprintf(w, "  database:     %s\n", node.Database)
	fmt.Fprintf(w, "  app:          %s v%d\n", node.AppName, node.FlowVersion)
	hc := node.HospitalConfig()
	fmt.Fprintf(w, "  hospital:     %d discharges, backoff %s..%s, observation after %d\n",
		hc.MaxDischarges, hc.BackoffBase, hc.BackoffMax, hc.ObservationLimit)
	f.VerboseLog("  dedup cache ttl: %s", time.Duration(node.Engine.DedupCacheTTL))
	return nil
}
