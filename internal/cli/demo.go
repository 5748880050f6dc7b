package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsm/internal/config"
	"github.com/roach88/flowsm/internal/engine"
	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
	"github.com/roach88/flowsm/internal/transport"
)

// DemoResult is the output of the demo command.
type DemoResult struct {
	RunID     string   `json:"run_id"`
	ClientID  string   `json:"client_id"`
	Request   string   `json:"request"`
	Response  string   `json:"response"`
	Status    string   `json:"status,omitempty"`
	Databases []string `json:"databases"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a ping-pong flow between two in-process nodes",
		Long: `Start two nodes, alice and bob, on an in-process message bus and run a
ping-pong flow: alice opens a session to bob, sends the message and waits
for bob's reply. Each node keeps its checkpoints in its own SQLite database.

With --config the file configures alice; bob uses the same settings.

Examples:
  flowsm demo
  flowsm demo --message hello --dir ./demo-data
  flowsm demo --config ./alice.cue --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(rootOpts, cmd)
		},
	}

	cmd.Flags().String("config", "", "node configuration file (CUE)")
	cmd.Flags().String("dir", "", "directory for the node databases (default: a temporary directory)")
	cmd.Flags().String("message", "ping", "payload alice sends to bob")
	cmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the flow to finish")
	return cmd
}

// demoRegistry registers the two flows of the demo. DemoPing records its
// progress so an operator listing checkpoints mid-flight sees where it is.
func demoRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register("DemoPing", func(args []byte) engine.FlowLogic {
		return func(f *engine.Fiber) ([]byte, error) {
			f.SetProgress("opening session to bob")
			s, err := f.InitiateFlow("bob")
			if err != nil {
				return nil, err
			}
			f.SetProgress("waiting for reply")
			reply, err := f.SendAndReceive(s, args)
			if err != nil {
				return nil, err
			}
			f.SetProgress("done")
			return reply, nil
		}
	}, engine.InitiatingOptions{Initiating: true})
	reg.Register("DemoPong", func([]byte) engine.FlowLogic {
		return func(f *engine.Fiber) ([]byte, error) {
			s, ok := f.InitiatingSession()
			if !ok {
				return nil, sm.NewFlowException("DemoPong must be started by a peer")
			}
			msg, err := f.Receive(s)
			if err != nil {
				return nil, err
			}
			reply := append([]byte("pong:"), msg...)
			if err := f.Send(s, reply); err != nil {
				return nil, err
			}
			return reply, nil
		}
	}, engine.InitiatingOptions{})
	reg.RegisterResponder("DemoPing", "DemoPong")
	return reg
}

func demoConfig(path, identity, dir string) (config.Node, error) {
	cfg := config.Default(identity)
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Node{}, err
		}
		cfg = loaded
		cfg.Identity = identity
	}
	cfg.Database = filepath.Join(dir, identity+".db")
	return cfg, nil
}

func runDemo(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	dir := opts.v.GetString("dir")
	if dir == "" {
		tmp, err := os.MkdirTemp("", "flowsm-demo-")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create demo directory", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create demo directory", err)
	}

	reg := demoRegistry()
	bus := transport.NewBus(transport.WithLogger(opts.Logger), transport.WithCodec(reg.Codec()))

	nodes := make(map[string]*engine.Node, 2)
	var databases []string
	for _, identity := range []string{"alice", "bob"} {
		cfg, err := demoConfig(opts.v.GetString("config"), identity, dir)
		if err != nil {
			if outErr := f.Error(ErrCodeConfigInvalid, err.Error(), nil); outErr != nil {
				return outErr
			}
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		st, err := store.Open(cfg.Database, store.WithCodec(reg.Codec()))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()

		node := engine.NewNode(cfg, st, bus, reg, engine.WithLogger(opts.Logger))
		if err := node.Start(cmd.Context()); err != nil {
			return WrapExitError(ExitCommandError, "failed to start node "+identity, err)
		}
		defer node.Stop()
		nodes[identity] = node
		databases = append(databases, cfg.Database)
		f.VerboseLog("node %s started with database %s", identity, cfg.Database)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.v.GetDuration("timeout"))
	defer cancel()

	message := opts.v.GetString("message")
	clientID := "demo-" + message
	handle, err := nodes["alice"].StartFlow(ctx, "DemoPing", []byte(message), engine.StartOptions{ClientID: clientID, Actor: "flowsm demo"})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start flow", err)
	}
	f.VerboseLog("started flow %s", handle.RunID)

	reply, err := handle.Result(ctx)
	if err != nil {
		if outErr := f.Error(ErrCodeDemoFailed, err.Error(), map[string]string{"run_id": string(handle.RunID)}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "flow failed", err)
	}

	result := DemoResult{
		RunID:     string(handle.RunID),
		ClientID:  clientID,
		Request:   message,
		Response:  string(reply),
		Databases: databases,
	}
	// The client id makes alice keep the finished checkpoint.
	rec, err := nodeCheckpoint(ctx, databases[0], reg, handle.RunID)
	if err != nil {
		opts.Logger.Warn("finished checkpoint not readable", "run_id", handle.RunID, "error", err)
	} else {
		result.Status = string(rec.Status)
	}

	if opts.Format == "json" {
		return f.JSON(result, nil)
	}
	w := f.Writer
	fmt.Fprintf(w, "alice -> bob: %s\n", result.Request)
	fmt.Fprintf(w, "bob -> alice: %s\n", result.Response)
	fmt.Fprintf(w, "✓ flow %s finished (client id %s, status %s)\n", result.RunID, result.ClientID, result.Status)
	return nil
}

// nodeCheckpoint reads the kept checkpoint of a client flow through a second
// connection, as an operator tool would.
func nodeCheckpoint(ctx context.Context, path string, reg *engine.Registry, runID sm.RunID) (store.CheckpointRecord, error) {
	st, err := store.Open(path, store.WithCodec(reg.Codec()))
	if err != nil {
		return store.CheckpointRecord{}, err
	}
	defer st.Close()
	return st.LoadCheckpoint(ctx, runID)
}
