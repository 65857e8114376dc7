package core

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/renproject/id"
	"github.com/renproject/surge"
)

var errMaxBytesExceeded = errors.New("max bytes exceeded")

// A Value is the 32-byte identifier of data upon which consensus is being
// reached (usually the hash of the proposed content). The core never inspects
// the content behind a Value; it only compares Values for equality.
type Value id.Hash

// NilValue is the Value used by nil Prevotes and nil Precommits.
var NilValue = Value{}

// Equal compares one Value with another.
func (v Value) Equal(other Value) bool {
	return v == other
}

// String implements the `fmt.Stringer` interface.
func (v Value) String() string {
	return base64.RawStdEncoding.EncodeToString(v[:])
}

// SizeHint returns the number of bytes required to store this value in binary.
func (v Value) SizeHint() int {
	return 32
}

// Marshal this value into binary.
func (v Value) Marshal(w io.Writer, m int) (int, error) {
	if m < 32 {
		return m, errMaxBytesExceeded
	}
	n, err := w.Write(v[:])
	return m - n, err
}

// Unmarshal into this value from binary.
func (v *Value) Unmarshal(r io.Reader, m int) (int, error) {
	if m < 32 {
		return m, errMaxBytesExceeded
	}
	n, err := io.ReadFull(r, v[:])
	return m - n, err
}

// The Height of the decision instance in the replicated log. It is fixed at
// construction and never mutated.
type Height int64

// A Round within a Height. Rounds begin at zero and only ever increase during
// the life of an instance.
type Round int64

// InvalidRound is a sentinel for the absence of a Round: an unset locked
// round, an unset valid round, a fresh proposal, or an undecided instance.
const InvalidRound = Round(-1)

// A Step within the current Round.
type Step uint8

// Enumerate all Steps, in the order in which a Round progresses through them.
const (
	Proposing Step = iota + 1
	Prevoting
	Precommitting
	Committed
)

// String implements the `fmt.Stringer` interface.
func (step Step) String() string {
	switch step {
	case Proposing:
		return "proposing"
	case Prevoting:
		return "prevoting"
	case Precommitting:
		return "precommitting"
	case Committed:
		return "committed"
	default:
		panic(fmt.Errorf("invariant violation: unexpected step=%d", uint8(step)))
	}
}

// The State of an Instance. It is isolated from the Instance so that it can be
// easily marshaled to/from JSON and binary for storage between restarts. See
// https://arxiv.org/pdf/1807.04938.pdf for more information.
type State struct {
	CurrentHeight Height `json:"currentHeight"`
	CurrentRound  Round  `json:"currentRound"`
	CurrentStep   Step   `json:"currentStep"`

	LockedValue Value `json:"lockedValue"` // the most recent value for which a precommit has been broadcast
	LockedRound Round `json:"lockedRound"` // the round in which the locked value was locked
	ValidValue  Value `json:"validValue"`  // the most recent value known to have a polka
	ValidRound  Round `json:"validRound"`  // the round of the most recent polka for the valid value

	DecidedValue Value `json:"decidedValue"` // the value decided at this height
	DecidedRound Round `json:"decidedRound"` // the round in which the decision happened
}

// DefaultState returns a State at the beginning of life for the given Height.
// The current round is invalid until the instance is started.
func DefaultState(height Height) State {
	return State{
		CurrentHeight: height,
		CurrentRound:  InvalidRound,
		CurrentStep:   Proposing,
		LockedValue:   NilValue,
		LockedRound:   InvalidRound,
		ValidValue:    NilValue,
		ValidRound:    InvalidRound,
		DecidedValue:  NilValue,
		DecidedRound:  InvalidRound,
	}
}

// Decided returns true once a decision has been reached. A decided State is
// terminal.
func (state *State) Decided() bool {
	return state.DecidedRound != InvalidRound
}

// Equal compares one State with another.
func (state *State) Equal(other *State) bool {
	return state.CurrentHeight == other.CurrentHeight &&
		state.CurrentRound == other.CurrentRound &&
		state.CurrentStep == other.CurrentStep &&
		state.LockedValue.Equal(other.LockedValue) &&
		state.LockedRound == other.LockedRound &&
		state.ValidValue.Equal(other.ValidValue) &&
		state.ValidRound == other.ValidRound &&
		state.DecidedValue.Equal(other.DecidedValue) &&
		state.DecidedRound == other.DecidedRound
}

// SizeHint returns the number of bytes required to store this state in binary.
func (state State) SizeHint() int {
	return surge.SizeHint(int64(state.CurrentHeight)) +
		surge.SizeHint(int64(state.CurrentRound)) +
		surge.SizeHint(uint8(state.CurrentStep)) +
		surge.SizeHint(state.LockedValue) +
		surge.SizeHint(int64(state.LockedRound)) +
		surge.SizeHint(state.ValidValue) +
		surge.SizeHint(int64(state.ValidRound)) +
		surge.SizeHint(state.DecidedValue) +
		surge.SizeHint(int64(state.DecidedRound))
}

// Marshal this state into binary.
func (state State) Marshal(w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, int64(state.CurrentHeight), m)
	if err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, int64(state.CurrentRound), m); err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, uint8(state.CurrentStep), m); err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, state.LockedValue, m); err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, int64(state.LockedRound), m); err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, state.ValidValue, m); err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, int64(state.ValidRound), m); err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, state.DecidedValue, m); err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(state.DecidedRound), m)
}

// Unmarshal into this state from binary.
func (state *State) Unmarshal(r io.Reader, m int) (int, error) {
	var height, round, lockedRound, validRound, decidedRound int64
	var step uint8

	m, err := surge.Unmarshal(r, &height, m)
	if err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &round, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &step, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &state.LockedValue, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &lockedRound, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &state.ValidValue, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &validRound, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &state.DecidedValue, m); err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, &decidedRound, m); err != nil {
		return m, err
	}

	state.CurrentHeight = Height(height)
	state.CurrentRound = Round(round)
	state.CurrentStep = Step(step)
	state.LockedRound = Round(lockedRound)
	state.ValidRound = Round(validRound)
	state.DecidedRound = Round(decidedRound)
	return m, nil
}
