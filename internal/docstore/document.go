package docstore

import (
	"fmt"
	"time"
)

// State is the position of a temporary copy in its lifecycle.
type State string

const (
	StateAbsent      State = "absent"
	StateCreated     State = "created"
	StateSubstituted State = "substituted"
	StateExported    State = "exported"
	StateFailed      State = "failed"
	StateReleased    State = "released"
)

// TemporaryDocument is the remote copy owned by one recipient's iteration.
type TemporaryDocument struct {
	ID        string
	Owner     int
	CreatedAt time.Time
	state     State
}

// State reports the current lifecycle state.
func (d *TemporaryDocument) State() State {
	if d == nil {
		return StateAbsent
	}
	return d.state
}

var transitions = map[State][]State{
	StateCreated:     {StateSubstituted, StateFailed, StateReleased},
	StateSubstituted: {StateExported, StateFailed, StateReleased},
	StateExported:    {StateReleased},
	StateFailed:      {StateReleased},
}

func (d *TemporaryDocument) advance(next State) error {
	for _, allowed := range transitions[d.state] {
		if allowed == next {
			d.state = next
			return nil
		}
	}
	return fmt.Errorf("temporary document %s: illegal transition %s -> %s", d.ID, d.state, next)
}
