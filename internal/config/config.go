// Package config loads node configuration from CUE.
//
// A configuration file is unified with the embedded #Node schema, which
// supplies defaults and constraints, and decoded into a Node.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/flowsm/internal/hospital"
)

//go:embed schema.cue
var schemaCUE string

// Node is the configuration of one node.
type Node struct {
	Identity    string   `json:"identity"`
	Database    string   `json:"database"`
	AppName     string   `json:"app_name"`
	FlowVersion int      `json:"flow_version"`
	Hospital    Hospital `json:"hospital"`
	Engine      Engine   `json:"engine"`
}

type Hospital struct {
	MaxDischarges    int      `json:"max_discharges"`
	BackoffBase      Duration `json:"backoff_base"`
	BackoffMax       Duration `json:"backoff_max"`
	ObservationLimit int      `json:"observation_limit"`
	Jitter           float64  `json:"jitter"`
}

type Engine struct {
	// DedupCacheTTL is how long inbound message ids stay in the in-memory
	// duplicate filter in front of the store.
	DedupCacheTTL Duration `json:"dedup_cache_ttl"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// HospitalConfig converts the hospital section.
func (n Node) HospitalConfig() hospital.Config {
	return hospital.Config{
		MaxDischarges:    n.Hospital.MaxDischarges,
		BackoffBase:      time.Duration(n.Hospital.BackoffBase),
		BackoffMax:       time.Duration(n.Hospital.BackoffMax),
		ObservationLimit: n.Hospital.ObservationLimit,
		Jitter:           n.Hospital.Jitter,
	}
}

// Error is a configuration error with its CUE position when known.
type Error struct {
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Load reads and validates the configuration file at path.
func Load(path string) (Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates src against the schema and decodes it. filename is used
// in error positions.
func Parse(filename string, src []byte) (Node, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Node{}, fmt.Errorf("compile schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Node{}, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Node")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Node{}, formatCUEError(err)
	}

	var n Node
	if err := unified.Decode(&n); err != nil {
		return Node{}, formatCUEError(err)
	}
	return n, nil
}

// Default returns the schema defaults for a node named identity.
func Default(identity string) Node {
	n, err := Parse("default.cue", []byte(fmt.Sprintf("identity: %q\n", identity)))
	if err != nil {
		panic(fmt.Sprintf("config: schema defaults do not validate: %v", err))
	}
	return n
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &Error{Message: first.Error(), Pos: positions[0]}
	}
	return &Error{Message: first.Error()}
}
