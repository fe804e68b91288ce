// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package pairing

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// State is a step of the setup flow.
type State string

const (
	StateAwaitingCredential   State = "awaiting_credential"
	StateCheckEmpty           State = "check_empty"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StatePairing              State = "pairing"
	StatePaired               State = "paired"
)

// Event drives a transition between states.
type Event string

const (
	EventCredentialDetected Event = "credential_detected"
	EventEmpty              Event = "empty"
	EventNotEmpty           Event = "not_empty"
	EventConfirmed          Event = "confirmed"
	EventDeclined           Event = "declined"
	EventSucceeded          Event = "succeeded"
	EventFailed             Event = "failed"
)

func states(s ...State) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

// setupFlow is the complete setup flow. Paired is terminal.
var setupFlow = fsm.Events{
	{Name: string(EventCredentialDetected), Src: states(StateAwaitingCredential), Dst: string(StateCheckEmpty)},
	{Name: string(EventEmpty), Src: states(StateCheckEmpty), Dst: string(StatePairing)},
	{Name: string(EventNotEmpty), Src: states(StateCheckEmpty), Dst: string(StateAwaitingConfirmation)},
	{Name: string(EventConfirmed), Src: states(StateAwaitingConfirmation), Dst: string(StatePairing)},
	{Name: string(EventDeclined), Src: states(StateAwaitingConfirmation), Dst: string(StateAwaitingCredential)},
	{Name: string(EventSucceeded), Src: states(StatePairing), Dst: string(StatePaired)},
	{Name: string(EventFailed), Src: states(StateCheckEmpty, StateAwaitingConfirmation, StatePairing), Dst: string(StateAwaitingCredential)},
}

// TransitionError is returned when an event does not apply to the
// current state.
type TransitionError struct {
	From  State
	Event Event
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pairing: no transition from %q on %q", e.From, e.Event)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Observer is told about every transition.
type Observer func(from, to State, event Event)

// Machine tracks one run of the setup flow.
type Machine struct {
	fsm *fsm.FSM

	observers []Observer

	fire    sync.Mutex // serialises Fire so from/to pairs are exact
	mu      sync.Mutex
	history []State
}

// NewMachine starts a machine in StateAwaitingCredential.
func NewMachine(observers ...Observer) *Machine {
	m := &Machine{
		history:   []State{StateAwaitingCredential},
		observers: observers,
	}
	m.fsm = fsm.NewFSM(string(StateAwaitingCredential), setupFlow, fsm.Callbacks{
		"enter_state": m.entered,
	})
	return m
}

// entered runs under the FSM's locks; observers are told from Fire.
func (m *Machine) entered(_ context.Context, e *fsm.Event) {
	m.mu.Lock()
	m.history = append(m.history, State(e.Dst))
	m.mu.Unlock()
}

func (m *Machine) Current() State {
	return State(m.fsm.Current())
}

// History returns every state visited, starting with the initial one.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// CanFire reports whether event applies to the current state.
func (m *Machine) CanFire(event Event) bool {
	return m.fsm.Can(string(event))
}

// Fire applies event and returns the new state. Transitions are
// bookkeeping only, so they run even after the flow's context ended.
func (m *Machine) Fire(event Event) (State, error) {
	m.fire.Lock()
	defer m.fire.Unlock()

	from := m.Current()
	if err := m.fsm.Event(context.Background(), string(event)); err != nil {
		return from, &TransitionError{From: from, Event: event, Err: err}
	}
	to := m.Current()
	for _, o := range m.observers {
		o(from, to, event)
	}
	return to, nil
}
