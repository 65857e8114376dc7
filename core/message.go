package core

import (
	"fmt"
	"io"

	"github.com/renproject/surge"
)

// A MessageType distinguishes the Message variants emitted by an Instance.
type MessageType uint8

// Enumerate all MessageTypes.
const (
	ProposeMessageType MessageType = iota + 1
	PrevoteMessageType
	PrecommitMessageType
	ScheduleTimeoutMessageType
	DecisionMessageType
)

// A TimeoutKind names the step whose timeout should be scheduled. The core
// emits the symbolic kind only; the duration is a consumer policy.
type TimeoutKind uint8

// Enumerate all TimeoutKinds.
const (
	TimeoutKindPropose TimeoutKind = iota + 1
	TimeoutKindPrevote
	TimeoutKindPrecommit
)

// String implements the `fmt.Stringer` interface.
func (kind TimeoutKind) String() string {
	switch kind {
	case TimeoutKindPropose:
		return "propose"
	case TimeoutKindPrevote:
		return "prevote"
	case TimeoutKindPrecommit:
		return "precommit"
	default:
		panic(fmt.Errorf("invariant violation: unexpected timeout kind=%d", uint8(kind)))
	}
}

// A Message is a directive emitted by an Instance for the consumer to act on:
// votes to broadcast, timeouts to schedule, and at most one Decision per
// instance life. The core never acts on its own Messages.
type Message interface {
	// Type of the Message.
	Type() MessageType

	// SizeHint returns the number of bytes required to store this message in
	// binary.
	SizeHint() int

	// Marshal this message into binary.
	Marshal(w io.Writer, m int) (int, error)
}

// A Propose directs the consumer to broadcast a proposal for the given Value.
// A ValidRound of InvalidRound marks a fresh proposal; otherwise ValidRound
// references the round of the polka that justifies re-proposing the value.
type Propose struct {
	Height     Height
	Round      Round
	Value      Value
	ValidRound Round
}

// Type implements the Message interface.
func (msg Propose) Type() MessageType { return ProposeMessageType }

// String implements the `fmt.Stringer` interface.
func (msg Propose) String() string {
	return fmt.Sprintf("Propose(height=%d,round=%d,value=%v,validRound=%d)", msg.Height, msg.Round, msg.Value, msg.ValidRound)
}

// A Prevote directs the consumer to broadcast a prevote. A NilValue Value is a
// nil prevote.
type Prevote struct {
	Height Height
	Round  Round
	Value  Value
}

// Type implements the Message interface.
func (msg Prevote) Type() MessageType { return PrevoteMessageType }

// String implements the `fmt.Stringer` interface.
func (msg Prevote) String() string {
	return fmt.Sprintf("Prevote(height=%d,round=%d,value=%v)", msg.Height, msg.Round, msg.Value)
}

// A Precommit directs the consumer to broadcast a precommit. A NilValue Value
// is a nil precommit.
type Precommit struct {
	Height Height
	Round  Round
	Value  Value
}

// Type implements the Message interface.
func (msg Precommit) Type() MessageType { return PrecommitMessageType }

// String implements the `fmt.Stringer` interface.
func (msg Precommit) String() string {
	return fmt.Sprintf("Precommit(height=%d,round=%d,value=%v)", msg.Height, msg.Round, msg.Value)
}

// A ScheduleTimeout directs the consumer to schedule a timeout of the given
// kind, and to apply the corresponding Timeout Event when it fires. Late
// firings are harmless: the core drops timeouts for rounds it has surpassed.
type ScheduleTimeout struct {
	Kind   TimeoutKind
	Height Height
	Round  Round
}

// Type implements the Message interface.
func (msg ScheduleTimeout) Type() MessageType { return ScheduleTimeoutMessageType }

// String implements the `fmt.Stringer` interface.
func (msg ScheduleTimeout) String() string {
	return fmt.Sprintf("ScheduleTimeout(kind=%v,height=%d,round=%d)", msg.Kind, msg.Height, msg.Round)
}

// A Decision reports the single value decided at this height and is the last
// Message the Instance ever emits.
type Decision struct {
	Height Height
	Round  Round
	Value  Value
}

// Type implements the Message interface.
func (msg Decision) Type() MessageType { return DecisionMessageType }

// String implements the `fmt.Stringer` interface.
func (msg Decision) String() string {
	return fmt.Sprintf("Decision(height=%d,round=%d,value=%v)", msg.Height, msg.Round, msg.Value)
}

// SizeHint implementations.

func (msg Propose) SizeHint() int {
	return surge.SizeHint(int64(msg.Height)) +
		surge.SizeHint(int64(msg.Round)) +
		surge.SizeHint(msg.Value) +
		surge.SizeHint(int64(msg.ValidRound))
}

func (msg Prevote) SizeHint() int {
	return surge.SizeHint(int64(msg.Height)) + surge.SizeHint(int64(msg.Round)) + surge.SizeHint(msg.Value)
}

func (msg Precommit) SizeHint() int {
	return surge.SizeHint(int64(msg.Height)) + surge.SizeHint(int64(msg.Round)) + surge.SizeHint(msg.Value)
}

func (msg ScheduleTimeout) SizeHint() int {
	return surge.SizeHint(uint8(msg.Kind)) + surge.SizeHint(int64(msg.Height)) + surge.SizeHint(int64(msg.Round))
}

func (msg Decision) SizeHint() int {
	return surge.SizeHint(int64(msg.Height)) + surge.SizeHint(int64(msg.Round)) + surge.SizeHint(msg.Value)
}

// Marshal implementations.

func (msg Propose) Marshal(w io.Writer, m int) (int, error) {
	m, err := marshalVote(w, msg.Height, msg.Round, msg.Value, m)
	if err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(msg.ValidRound), m)
}

func (msg Prevote) Marshal(w io.Writer, m int) (int, error) {
	return marshalVote(w, msg.Height, msg.Round, msg.Value, m)
}

func (msg Precommit) Marshal(w io.Writer, m int) (int, error) {
	return marshalVote(w, msg.Height, msg.Round, msg.Value, m)
}

func (msg ScheduleTimeout) Marshal(w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, uint8(msg.Kind), m)
	if err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, int64(msg.Height), m); err != nil {
		return m, err
	}
	return surge.Marshal(w, int64(msg.Round), m)
}

func (msg Decision) Marshal(w io.Writer, m int) (int, error) {
	return marshalVote(w, msg.Height, msg.Round, msg.Value, m)
}

func marshalVote(w io.Writer, height Height, round Round, value Value, m int) (int, error) {
	m, err := surge.Marshal(w, int64(height), m)
	if err != nil {
		return m, err
	}
	if m, err = surge.Marshal(w, int64(round), m); err != nil {
		return m, err
	}
	return surge.Marshal(w, value, m)
}

// MarshalMessage marshals a Message into binary, prefixed with its
// MessageType so that it can be unmarshaled without knowing the variant in
// advance.
func MarshalMessage(msg Message, w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, uint64(msg.Type()), m)
	if err != nil {
		return m, err
	}
	return msg.Marshal(w, m)
}

// UnmarshalMessage unmarshals a type-prefixed Message from binary.
func UnmarshalMessage(r io.Reader, m int) (Message, int, error) {
	var messageType uint64
	m, err := surge.Unmarshal(r, &messageType, m)
	if err != nil {
		return nil, m, err
	}

	var height, round, validRound int64
	var value Value
	var kind uint8

	switch MessageType(messageType) {
	case ProposeMessageType:
		if m, err = unmarshalVote(r, &height, &round, &value, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &validRound, m); err != nil {
			return nil, m, err
		}
		return Propose{Height: Height(height), Round: Round(round), Value: value, ValidRound: Round(validRound)}, m, nil

	case PrevoteMessageType:
		if m, err = unmarshalVote(r, &height, &round, &value, m); err != nil {
			return nil, m, err
		}
		return Prevote{Height: Height(height), Round: Round(round), Value: value}, m, nil

	case PrecommitMessageType:
		if m, err = unmarshalVote(r, &height, &round, &value, m); err != nil {
			return nil, m, err
		}
		return Precommit{Height: Height(height), Round: Round(round), Value: value}, m, nil

	case ScheduleTimeoutMessageType:
		if m, err = surge.Unmarshal(r, &kind, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &height, m); err != nil {
			return nil, m, err
		}
		if m, err = surge.Unmarshal(r, &round, m); err != nil {
			return nil, m, err
		}
		return ScheduleTimeout{Kind: TimeoutKind(kind), Height: Height(height), Round: Round(round)}, m, nil

	case DecisionMessageType:
		if m, err = unmarshalVote(r, &height, &round, &value, m); err != nil {
			return nil, m, err
		}
		return Decision{Height: Height(height), Round: Round(round), Value: value}, m, nil

	default:
		return nil, m, fmt.Errorf("unexpected message type %d", messageType)
	}
}

func unmarshalVote(r io.Reader, height, round *int64, value *Value, m int) (int, error) {
	m, err := surge.Unmarshal(r, height, m)
	if err != nil {
		return m, err
	}
	if m, err = surge.Unmarshal(r, round, m); err != nil {
		return m, err
	}
	return surge.Unmarshal(r, value, m)
}
