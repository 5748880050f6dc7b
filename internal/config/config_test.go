package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	n, err := Parse("node.cue", []byte(`identity: "Alice"`))
	require.NoError(t, err)

	assert.Equal(t, "Alice", n.Identity)
	assert.Equal(t, "flowsm.db", n.Database)
	assert.Equal(t, "flowsm", n.AppName)
	assert.Equal(t, 1, n.FlowVersion)
	assert.Equal(t, 3, n.Hospital.MaxDischarges)
	assert.Equal(t, Duration(time.Second), n.Hospital.BackoffBase)
	assert.Equal(t, Duration(time.Minute), n.Hospital.BackoffMax)
	assert.Equal(t, 0.5, n.Hospital.Jitter)
	assert.Equal(t, Duration(10*time.Minute), n.Engine.DedupCacheTTL)
}

func TestParse_Overrides(t *testing.T) {
	src := `
identity:     "Bob"
database:     "/var/lib/flowsm/bob.db"
flow_version: 2
hospital: {
	max_discharges: 5
	backoff_base:   "250ms"
	jitter:         0
}
engine: dedup_cache_ttl: "1h30m"
`
	n, err := Parse("node.cue", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flowsm/bob.db", n.Database)
	assert.Equal(t, 2, n.FlowVersion)

	hc := n.HospitalConfig()
	assert.Equal(t, 5, hc.MaxDischarges)
	assert.Equal(t, 250*time.Millisecond, hc.BackoffBase)
	assert.Equal(t, time.Minute, hc.BackoffMax)
	assert.Zero(t, hc.Jitter)
	assert.Equal(t, Duration(90*time.Minute), n.Engine.DedupCacheTTL)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing identity", `database: "x.db"`},
		{"empty identity", `identity: ""`},
		{"bad version", "identity: \"A\"\nflow_version: 0"},
		{"bad duration", "identity: \"A\"\nhospital: backoff_base: \"soon\""},
		{"unknown field", "identity: \"A\"\nport: 8080"},
		{"syntax", `identity: "A`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("node.cue", []byte(tt.src))
			require.Error(t, err)
		})
	}
}

func TestParse_ErrorHasPosition(t *testing.T) {
	_, err := Parse("node.cue", []byte("identity: \"A\"\nflow_version: -1\n"))
	require.Error(t, err)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "node.cue")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.cue")
	require.NoError(t, os.WriteFile(path, []byte(`identity: "Carol"`), 0o644))

	n, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Carol", n.Identity)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	n := Default("Dave")
	assert.Equal(t, "Dave", n.Identity)
	assert.Equal(t, 3, n.Hospital.MaxDischarges)
}
