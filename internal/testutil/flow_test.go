package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceRandom_Increments(t *testing.T) {
	r := NewSequenceRandom(7)

	assert.Equal(t, int64(7), r.Int63())
	assert.Equal(t, int64(8), r.Int63())
	assert.Equal(t, int64(9), r.Peek())
	assert.Equal(t, int64(9), r.Int63())
}

func TestSequenceRandom_DefaultStart(t *testing.T) {
	r := NewSequenceRandom(0)
	assert.Equal(t, int64(1000), r.Int63())
}

func TestFixedIDGenerator_ReturnsSameID(t *testing.T) {
	gen := NewFixedIDGenerator("run-123")

	assert.Equal(t, "run-123", gen.Generate())
	assert.Equal(t, "run-123", gen.Generate())
}

func TestFixedIDGenerator_EmptyIDDefault(t *testing.T) {
	gen := NewFixedIDGenerator("")
	assert.Equal(t, "test-run-default", gen.Generate())
}
