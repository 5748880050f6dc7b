package testutil

import "sync"

// SequenceRandom is a random source for tests that returns start, start+1,
// start+2, ... so session and error ids are predictable.
//
// It satisfies statemachine.RandomSource.
//
// Thread-safety: safe for concurrent use.
type SequenceRandom struct {
	mu   sync.Mutex
	next int64
}

// NewSequenceRandom creates a source whose first value is start. A start of
// 0 or less begins at 1000.
func NewSequenceRandom(start int64) *SequenceRandom {
	if start <= 0 {
		start = 1000
	}
	return &SequenceRandom{next: start}
}

// Int63 returns the next value of the sequence.
func (r *SequenceRandom) Int63() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.next
	r.next++
	return v
}

// Peek returns the value the next call to Int63 returns.
func (r *SequenceRandom) Peek() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// FixedIDGenerator returns the same run id every time. It satisfies
// engine.RunIDGenerator.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator for id. An empty id becomes
// "test-run-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed id.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
