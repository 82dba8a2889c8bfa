// Package state implements the bot's lifecycle state machine.
//
// States: INITIALIZING → RUNNING → ERROR/SHUTDOWN_REQUESTED. The ERROR
// self-loop is intentional so repeated error reports coalesce. A single-shot
// shutdown signal fires on the first transition into SHUTDOWN_REQUESTED or
// ERROR; tasks blocked on it wake and return.
package state

import (
	"fmt"
	"sync"
)

// State is a lifecycle phase of the bot.
type State string

const (
	Initializing      State = "INITIALIZING"
	Running           State = "RUNNING"
	Error             State = "ERROR"
	ShutdownRequested State = "SHUTDOWN_REQUESTED"
)

// transitions enumerates the allowed target states per source state.
// Anything else is a programming error.
var transitions = map[State][]State{
	Initializing:      {Running, Error, ShutdownRequested},
	Running:           {Error, ShutdownRequested},
	Error:             {Running, Error, ShutdownRequested},
	ShutdownRequested: {},
}

// Callback runs synchronously when the machine enters its target state.
type Callback func(State)

// Machine guards lifecycle transitions and exposes a one-shot shutdown signal.
type Machine struct {
	mu        sync.Mutex
	current   State
	callbacks map[State][]Callback
	shutdown  chan struct{}
	fired     bool
}

// New creates a machine in INITIALIZING.
func New() *Machine {
	return &Machine{
		current:   Initializing,
		callbacks: make(map[State][]Callback),
		shutdown:  make(chan struct{}),
	}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnEnter registers a callback for a target state. Callbacks run in
// registration order on the transitioning goroutine.
func (m *Machine) OnEnter(s State, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[s] = append(m.callbacks[s], cb)
}

// Transition moves the machine to the given state. A transition to the
// current state is a no-op. A disallowed transition returns an error and
// leaves the state unchanged.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if to == m.current {
		m.mu.Unlock()
		return nil
	}

	allowed := false
	for _, s := range transitions[m.current] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}

	m.current = to
	if (to == ShutdownRequested || to == Error) && !m.fired {
		m.fired = true
		close(m.shutdown)
	}
	cbs := append([]Callback(nil), m.callbacks[to]...)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(to)
	}
	return nil
}

// Shutdown returns a channel closed on the first transition into
// SHUTDOWN_REQUESTED or ERROR. Safe to call from any goroutine, any number
// of times; if the machine is already terminal the channel is already closed.
func (m *Machine) Shutdown() <-chan struct{} {
	return m.shutdown
}
