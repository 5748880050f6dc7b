package engine

import "time"

// Clock supplies the wall-clock time handed to transitions and used for
// sleep timers. testutil.DeterministicClock satisfies it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
