package core

import (
	"fmt"
	"io"

	"github.com/renproject/surge"
)

// An EventType distinguishes the Event variants accepted by an Instance.
type EventType uint8

// Enumerate all EventTypes.
const (
	NewRoundEventType EventType = iota + 1
	ProposeValueEventType
	ProposalValidEventType
	ProposalInvalidEventType
	PolkaEventType
	PolkaNilEventType
	PolkaAnyEventType
	CommitEventType
	CommitAnyEventType
	TimeoutProposeEventType
	TimeoutPrevoteEventType
	TimeoutPrecommitEventType
)

// An Event is an externally-classified stimulus applied to an Instance. The
// consumer is responsible for all of the classification that an Event implies:
// vote counting, quorum detection, proposer verification, and application
// validity. An Instance trusts its Events completely.
type Event interface {
	// Type of the Event.
	Type() EventType

	// SizeHint returns the number of bytes required to store this event in
	// binary.
	SizeHint() int

	// Marshal this event into binary.
	Marshal(w io.Writer, m int) (int, error)
}

// A NewRound Event tells the Instance to enter the given Round. The consumer
// issues it when f+1 messages from the future round have been observed, or
// when it otherwise determines the replica must advance. A NewRound for the
// current or an earlier Round is a no-op.
type NewRound struct {
	Round Round
}

// Type implements the Event interface.
func (e NewRound) Type() EventType { return NewRoundEventType }

// A ProposeValue Event supplies the application value that this replica, as
// the proposer of the current Round, should propose. Receiving it is the
// signal that this replica is the proposer; it is dropped outside the
// proposing step.
type ProposeValue struct {
	Value Value
}

// Type implements the Event interface.
func (e ProposeValue) Type() EventType { return ProposeValueEventType }

// A ProposalValid Event reports a proposal that has been received for the
// given Round, verified to come from the round's proposer, and judged
// application-valid by the consumer. A ValidRound of InvalidRound marks a
// fresh proposal; otherwise ValidRound references the earlier round in which
// the proposed value had a polka.
type ProposalValid struct {
	Value      Value
	Round      Round
	ValidRound Round
}

// Type implements the Event interface.
func (e ProposalValid) Type() EventType { return ProposalValidEventType }

// A ProposalInvalid Event is a ProposalValid whose value the application
// judged invalid.
type ProposalInvalid struct {
	Value      Value
	Round      Round
	ValidRound Round
}

// Type implements the Event interface.
func (e ProposalInvalid) Type() EventType { return ProposalInvalidEventType }

// A Polka Event reports 2f+1 prevotes for a single Value in the given Round.
type Polka struct {
	Value Value
	Round Round
}

// Type implements the Event interface.
func (e Polka) Type() EventType { return PolkaEventType }

// A PolkaNil Event reports 2f+1 prevotes for nil in the given Round.
type PolkaNil struct {
	Round Round
}

// Type implements the Event interface.
func (e PolkaNil) Type() EventType { return PolkaNilEventType }

// A PolkaAny Event reports 2f+1 prevotes in the given Round spread over
// different values, with no single value reaching a polka.
type PolkaAny struct {
	Round Round
}

// Type implements the Event interface.
func (e PolkaAny) Type() EventType { return PolkaAnyEventType }

// A Commit Event reports 2f+1 precommits for a single Value in the given
// Round. Together with a matching valid proposal it decides the height.
type Commit struct {
	Value Value
	Round Round
}

// Type implements the Event interface.
func (e Commit) Type() EventType { return CommitEventType }

// A CommitAny Event reports 2f+1 precommits in the given Round spread over
// different values, with no single value reaching a quorum.
type CommitAny struct {
	Round Round
}

// Type implements the Event interface.
func (e CommitAny) Type() EventType { return CommitAnyEventType }

// A TimeoutPropose Event reports that the propose-step timeout scheduled for
// the given Height and Round has fired.
type TimeoutPropose struct {
	Height Height
	Round  Round
}

// Type implements the Event interface.
func (e TimeoutPropose) Type() EventType { return TimeoutProposeEventType }

// A TimeoutPrevote Event reports that the prevote-step timeout scheduled for
// the given Height and Round has fired.
type TimeoutPrevote struct {
	Height Height
	Round  Round
}

// Type implements the Event interface.
func (e TimeoutPrevote) Type() EventType { return TimeoutPrevoteEventType }

// A TimeoutPrecommit Event reports that the precommit-step timeout scheduled
// for the given Height and Round has fired.
type TimeoutPrecommit struct {
	Height Height
	Round  Round
}

// Type implements the Event interface.
func (e TimeoutPrecommit) Type() EventType { return TimeoutPrecommitEventType }

// SizeHint implementations.

func (e NewRound) SizeHint() int     { return surge.SizeHint(int64(e.Round)) }
func (e ProposeValue) SizeHint() int { return surge.SizeHint(e.Value) }
func (e ProposalValid) SizeHint() int {
	return surge.SizeHint(e.Value) + surge.SizeHint(int64(e.Round)) + surge.SizeHint(int64(e.ValidRound))
}
func (e ProposalInvalid) SizeHint() int {
	return surge.SizeHint(e.Value) + surge.SizeHint(int64(e.Round)) + surge.SizeHint(int64(e.ValidRound))
}
func (e Polka) SizeHint() int {
	return surge.SizeHint(e.Value) + surge.SizeHint(int64(e.Round))
}
func (e PolkaNil) SizeHint() int { return surge.SizeHint(int64(e.Round)) }
func (e PolkaAny) SizeHint() int { return surge.SizeHint(int64(e.Round)) }
func (e Commit) SizeHint() int {
	return surge.SizeHint(e.Value) + surge.SizeHint(int64(e.Round))
}
func (e CommitAny) SizeHint() int { return surge.SizeHint(int64(e.Round)) }
func (e TimeoutPropose) SizeHint() int {
	return surge.SizeHint(int64(e.Height)) + surge.SizeHint(int64(e.Round))
}
func (e TimeoutPrevote) SizeHint() int {
	return surge.SizeHint(int64(e.Height)) + surge.SizeHint(int64(e.Round))
}
func (e TimeoutPrecommit) SizeHint() int {
	return surge.SizeHint(int64(e.Height)) + surge.SizeHint(int64(e.Round))
}

// Marshal implementations.

func (e NewRound) Marshal(w io.Writer, m int) (int, error) {
	return surge.Marshal(w, int64(e.Round), m)
}

func (e ProposeValue) Marshal(w io.Writer, m int) (int, error) {
	return surge.Marshal(w, e.Value, m)
}

func (e ProposalValid) Marshal(w io.Writer, m int) (int, error) {
	return marshalProposalEvent(w, e.Value, e.Round, e.ValidRound, m)
}

func (e ProposalInvalid) Marshal(w io.Writer, m int) (int, error) {
	return marshalProposalEvent(w, e.Value, e.Round, e.ValidRound, m)
}

func (e Polka) Marshal(w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, e.Value, m)
	if err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(e.Round), m)
}

func (e PolkaNil) Marshal(w io.Writer, m int) (int, error) {
	return surge.Marshal(w, int64(e.Round), m)
}

func (e PolkaAny) Marshal(w io.Writer, m int) (int, error) {
	return surge.Marshal(w, int64(e.Round), m)
}

func (e Commit) Marshal(w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, e.Value, m)
	if err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(e.Round), m)
}

func (e CommitAny) Marshal(w io.Writer, m int) (int, error) {
	return surge.Marshal(w, int64(e.Round), m)
}

func (e TimeoutPropose) Marshal(w io.Writer, m int) (int, error) {
	return marshalTimeoutEvent(w, e.Height, e.Round, m)
}

func (e TimeoutPrevote) Marshal(w io.Writer, m int) (int, error) {
	return marshalTimeoutEvent(w, e.Height, e.Round, m)
}

func (e TimeoutPrecommit) Marshal(w io.Writer, m int) (int, error) {
	return marshalTimeoutEvent(w, e.Height, e.Round, m)
}

func marshalProposalEvent(w io.Writer, value Value, round, validRound Round, m int) (int, error) {
	m, err := surge.Marshal(w, value, m)
	if err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, int64(round), m); err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(validRound), m)
}

func marshalTimeoutEvent(w io.Writer, height Height, round Round, m int) (int, error) {
	m, err := surge.Marshal(w, int64(height), m)
	if err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(round), m)
}

// MarshalEvent marshals an Event into binary, prefixed with its EventType so
// that it can be unmarshaled without knowing the variant in advance.
func MarshalEvent(e Event, w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, uint64(e.Type()), m)
	if err != nil {
		return m, err
	}
	return e.Marshal(w, m)
}

// UnmarshalEvent unmarshals a type-prefixed Event from binary.
func UnmarshalEvent(r io.Reader, m int) (Event, int, error) {
	var eventType uint64
	m, err := surge.Unmarshal(r, &eventType, m)
	if err != nil {
		return nil, m, err
	}

	var round, validRound, height int64
	var value Value

	switch EventType(eventType) {
	case NewRoundEventType:
		if m, err = surge.Unmarshal(r, &round, m); err != nil {
			return nil, m, err
		}
		return NewRound{Round: Round(round)}, m, nil

	case ProposeValueEventType:
		if m, err = surge.Unmarshal(r, &value, m); err != nil {
			return nil, m, err
		}
		return ProposeValue{Value: value}, m, nil

	case ProposalValidEventType, ProposalInvalidEventType:
		if m, err = surge.Unmarshal(r, &value, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &round, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &validRound, m); err != nil {
			return nil, m, err
		}
		if EventType(eventType) == ProposalValidEventType {
			return ProposalValid{Value: value, Round: Round(round), ValidRound: Round(validRound)}, m, nil
		}
		return ProposalInvalid{Value: value, Round: Round(round), ValidRound: Round(validRound)}, m, nil

	case PolkaEventType, CommitEventType:
		if m, err = surge.Unmarshal(r, &value, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &round, m); err != nil {
			return nil, m, err
		}
		if EventType(eventType) == PolkaEventType {
			return Polka{Value: value, Round: Round(round)}, m, nil
		}
		return Commit{Value: value, Round: Round(round)}, m, nil

	case PolkaNilEventType, PolkaAnyEventType, CommitAnyEventType:
		if m, err = surge.Unmarshal(r, &round, m); err != nil {
			return nil, m, err
		}
		switch EventType(eventType) {
		case PolkaNilEventType:
			return PolkaNil{Round: Round(round)}, m, nil
		case PolkaAnyEventType:
			return PolkaAny{Round: Round(round)}, m, nil
		default:
			return CommitAny{Round: Round(round)}, m, nil
		}

	case TimeoutProposeEventType, TimeoutPrevoteEventType, TimeoutPrecommitEventType:
		if m, err = surge.Unmarshal(r, &height, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &round, m); err != nil {
			return nil, m, err
		}
		switch EventType(eventType) {
		case TimeoutProposeEventType:
			return TimeoutPropose{Height: Height(height), Round: Round(round)}, m, nil
		case TimeoutPrevoteEventType:
			return TimeoutPrevote{Height: Height(height), Round: Round(round)}, m, nil
		default:
			return TimeoutPrecommit{Height: Height(height), Round: Round(round)}, m, nil
		}

	default:
		return nil, m, fmt.Errorf("unexpected event type %d", eventType)
	}
}
