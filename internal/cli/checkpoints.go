package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
)

// CheckpointSummary is one row of the checkpoints listing.
type CheckpointSummary struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	ClientID     string `json:"client_id,omitempty"`
	FlowState    string `json:"flow_state"`
	IORequest    string `json:"io_request,omitempty"`
	ProgressStep string `json:"progress_step,omitempty"`
	Sessions     int    `json:"sessions"`
	Suspends     int    `json:"suspends"`
	Version      int64  `json:"version"`
}

// SessionDetail describes one session of a checkpoint.
type SessionDetail struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
	Peer string `json:"peer,omitempty"`
}

// CheckpointDetail is the output of checkpoint show.
type CheckpointDetail struct {
	CheckpointSummary
	Identity    string          `json:"identity"`
	Fingerprint string          `json:"fingerprint"`
	Commits     int             `json:"commits"`
	ErrorState  string          `json:"error_state"`
	Errors      []string        `json:"errors,omitempty"`
	SubFlows    []string        `json:"sub_flows"`
	Session     []SessionDetail `json:"session_details,omitempty"`
	Result      string          `json:"result,omitempty"`
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List the checkpoints of a node database",
		Long: `List the flow checkpoints persisted in a node's SQLite database.

Examples:
  flowsm checkpoints --db ./alice.db
  flowsm checkpoints --db ./alice.db --status PAUSED --status HOSPITALIZED
  FLOWSM_DB=./alice.db flowsm checkpoints --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints(rootOpts, cmd)
		},
	}

	cmd.Flags().String("db", "", "path to SQLite database (required)")
	cmd.Flags().StringSlice("status", nil, "only list checkpoints with this status")
	return cmd
}

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect a single checkpoint",
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one checkpoint in detail",
		Long: `Show the sessions, errors and sub-flow stack of one checkpoint.

Example:
  flowsm checkpoint show 0192f0e4-7c1a-7b8e-9c59-5c7f3f0a1b2c --db ./alice.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointShow(rootOpts, sm.RunID(args[0]), cmd)
		},
	}
	show.Flags().String("db", "", "path to SQLite database (required)")

	cmd.AddCommand(show)
	return cmd
}

func openStore(opts *RootOptions) (*store.Store, error) {
	path := opts.v.GetString("db")
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--db (or FLOWSM_DB) is required")
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runCheckpoints(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	var statuses []sm.FlowStatus
	for _, s := range opts.v.GetStringSlice("status") {
		statuses = append(statuses, sm.FlowStatus(strings.ToUpper(s)))
	}
	records, err := st.ListCheckpoints(cmd.Context(), statuses...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list checkpoints", err)
	}

	summaries := make([]CheckpointSummary, len(records))
	for i, rec := range records {
		summaries[i] = summarize(rec)
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return f.JSON(summaries, nil)
	}

	w := f.Writer
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No checkpoints.")
		return nil
	}
	fmt.Fprintf(w, "%-38s %-12s %-10s %-28s %s\n", "RUN ID", "STATUS", "STATE", "REQUEST", "PROGRESS")
	for _, s := range summaries {
		fmt.Fprintf(w, "%-38s %-12s %-10s %-28s %s\n", s.RunID, s.Status, s.FlowState, s.IORequest, s.ProgressStep)
	}
	return nil
}

func runCheckpointShow(opts *RootOptions, runID sm.RunID, cmd *cobra.Command) error {
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	rec, err := st.LoadCheckpoint(cmd.Context(), runID)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		if err := f.Error(ErrCodeNotFound, fmt.Sprintf("no checkpoint for run %s", runID), nil); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "checkpoint not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load checkpoint", err)
	}

	detail := describe(rec)
	if opts.Format == "json" {
		return f.JSON(detail, nil)
	}
	outputCheckpointText(f, detail)
	return nil
}

func summarize(rec store.CheckpointRecord) CheckpointSummary {
	cp := rec.Checkpoint
	return CheckpointSummary{
		RunID:        string(rec.RunID),
		Status:       string(rec.Status),
		ClientID:     rec.ClientID,
		FlowState:    sm.FlowStateKind(cp.FlowState),
		IORequest:    cp.FlowIORequest,
		ProgressStep: rec.ProgressStep,
		Sessions:     len(cp.CheckpointState.Sessions),
		Suspends:     cp.CheckpointState.NumberOfSuspends,
		Version:      rec.Version,
	}
}

func describe(rec store.CheckpointRecord) CheckpointDetail {
	cp := rec.Checkpoint
	d := CheckpointDetail{
		CheckpointSummary: summarize(rec),
		Identity:          string(cp.CheckpointState.OurIdentity),
		Fingerprint:       rec.Fingerprint,
		Commits:           cp.CheckpointState.NumberOfCommits,
		SubFlows:          make([]string, len(cp.CheckpointState.SubFlowStack)),
		Result:            string(cp.Result),
	}

	switch es := cp.ErrorState.(type) {
	case sm.ErrorStateClean:
		d.ErrorState = "Clean"
	case sm.ErrorStateErrored:
		d.ErrorState = "Errored"
		for _, fe := range es.Errors {
			d.Errors = append(d.Errors, fmt.Sprintf("%d: %v", fe.ErrorID, fe.Err))
		}
	default:
		panic(fmt.Sprintf("cli: unexpected error state %T", es))
	}

	for i, sf := range cp.CheckpointState.SubFlowStack {
		d.SubFlows[i] = sf.Class()
	}

	for _, id := range cp.CheckpointState.Sessions.SortedIDs() {
		s := cp.CheckpointState.Sessions[id]
		d.Session = append(d.Session, SessionDetail{ID: int64(id), Kind: sm.SessionKind(s), Peer: string(sessionPeer(s))})
	}
	return d
}

func sessionPeer(s sm.SessionState) sm.Party {
	switch st := s.(type) {
	case sm.SessionUninitiated:
		return st.Destination
	case sm.SessionInitiated:
		return st.PeerParty
	case sm.SessionInitiating:
		return ""
	default:
		panic(fmt.Sprintf("cli: unexpected session state %T", s))
	}
}

func outputCheckpointText(f *OutputFormatter, d CheckpointDetail) {
	w := f.Writer
	fmt.Fprintf(w, "Run:       %s\n", d.RunID)
	fmt.Fprintf(w, "Identity:  %s\n", d.Identity)
	fmt.Fprintf(w, "Status:    %s\n", d.Status)
	if d.ClientID != "" {
		fmt.Fprintf(w, "Client ID: %s\n", d.ClientID)
	}
	fmt.Fprintf(w, "State:     %s %s\n", d.FlowState, d.IORequest)
	if d.ProgressStep != "" {
		fmt.Fprintf(w, "Progress:  %s\n", d.ProgressStep)
	}
	fmt.Fprintf(w, "Sub-flows: %s\n", strings.Join(d.SubFlows, " > "))
	fmt.Fprintf(w, "Suspends:  %d (commits %d, version %d)\n", d.Suspends, d.Commits, d.Version)
	fmt.Fprintf(w, "Errors:    %s\n", d.ErrorState)
	for _, e := range d.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if d.Result != "" {
		fmt.Fprintf(w, "Result:    %s\n", d.Result)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Sessions ===")
	if len(d.Session) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, s := range d.Session {
		fmt.Fprintf(w, "  %d %-12s %s\n", s.ID, s.Kind, s.Peer)
	}
	f.VerboseLog("fingerprint %s", d.Fingerprint)
}
