// Package coreutil provides generators and small fakes for testing the
// consensus core and the components built around it.
package coreutil

import (
	"math/rand"

	"github.com/renproject/helm/core"
	"golang.org/x/crypto/sha3"
)

// ValueOf returns the Value identifying the given content. Consensus is
// reached on Values, never on the content itself, so any component that needs
// a realistic Value derives it by hashing.
func ValueOf(content []byte) core.Value {
	return core.Value(sha3.Sum256(content))
}

// RandomValue returns a Value derived from random content.
func RandomValue(r *rand.Rand) core.Value {
	content := make([]byte, 32)
	r.Read(content)
	return ValueOf(content)
}

// RandomHeight returns a positive Height.
func RandomHeight(r *rand.Rand) core.Height {
	return core.Height(r.Int63n(1000000) + 1)
}

// RandomRound returns a non-negative Round.
func RandomRound(r *rand.Rand) core.Round {
	return core.Round(r.Int63n(100))
}

// RandomStep returns one of the four Steps.
func RandomStep(r *rand.Rand) core.Step {
	return core.Step(r.Intn(4) + 1)
}

// RandomState returns a State with consistent locked/valid/decided fields.
func RandomState(r *rand.Rand) core.State {
	state := core.DefaultState(RandomHeight(r))
	state.CurrentRound = RandomRound(r)
	state.CurrentStep = RandomStep(r)
	if r.Intn(2) == 0 {
		value := RandomValue(r)
		round := core.Round(r.Int63n(int64(state.CurrentRound) + 1))
		state.LockedValue = value
		state.LockedRound = round
		state.ValidValue = value
		state.ValidRound = round
	}
	if state.CurrentStep == core.Committed {
		state.DecidedValue = RandomValue(r)
		state.DecidedRound = state.CurrentRound
	}
	return state
}

// RandomEvent returns a random Event whose round is in the neighbourhood of
// the given current round, drawing values from the given pool. The events are
// individually well-formed but the sequence they form is adversarial; it is
// used to check the universal invariants of the core.
func RandomEvent(r *rand.Rand, height core.Height, currentRound core.Round, values []core.Value) core.Event {
	round := currentRound + core.Round(r.Int63n(3)) - 1
	if round < 0 {
		round = 0
	}
	value := values[r.Intn(len(values))]

	switch r.Intn(13) {
	case 0:
		return core.NewRound{Round: currentRound + core.Round(r.Int63n(2)) + 1}
	case 1:
		return core.ProposeValue{Value: value}
	case 2:
		return core.ProposalValid{Value: value, Round: round, ValidRound: core.InvalidRound}
	case 3:
		return core.ProposalValid{Value: value, Round: round, ValidRound: round - 1}
	case 4:
		return core.ProposalInvalid{Value: value, Round: round, ValidRound: core.InvalidRound}
	case 5:
		return core.Polka{Value: value, Round: round}
	case 6:
		return core.PolkaNil{Round: round}
	case 7:
		return core.PolkaAny{Round: round}
	case 8:
		return core.Commit{Value: value, Round: round}
	case 9:
		return core.CommitAny{Round: round}
	case 10:
		return core.TimeoutPropose{Height: height, Round: round}
	case 11:
		return core.TimeoutPrevote{Height: height, Round: round}
	default:
		return core.TimeoutPrecommit{Height: height, Round: round}
	}
}

// RandomEvents returns a slice of n random Events starting from round zero,
// advancing the round cursor whenever a generated event would do so.
func RandomEvents(r *rand.Rand, height core.Height, n int, values []core.Value) []core.Event {
	events := make([]core.Event, 0, n)
	round := core.Round(0)
	for i := 0; i < n; i++ {
		event := RandomEvent(r, height, round, values)
		switch event := event.(type) {
		case core.NewRound:
			if event.Round > round {
				round = event.Round
			}
		case core.TimeoutPrecommit:
			if event.Round == round {
				round++
			}
		}
		events = append(events, event)
	}
	return events
}

// A RoundRobin schedule weights the Height and the Round equally when
// determining whose turn it is to propose.
type RoundRobin struct {
	n      int
	whoami int
}

// NewRoundRobin returns a RoundRobin schedule over n replicas from the point
// of view of the replica at the given index.
func NewRoundRobin(n, whoami int) *RoundRobin {
	return &RoundRobin{n: n, whoami: whoami}
}

// IsProposer implements the `core.Proposer` interface.
func (rr *RoundRobin) IsProposer(height core.Height, round core.Round) bool {
	return (uint64(height)+uint64(round))%uint64(rr.n) == uint64(rr.whoami)
}

type constantProposer bool

// ConstantProposer returns a `core.Proposer` that always answers with the
// given bool, regardless of round.
func ConstantProposer(isProposer bool) core.Proposer {
	return constantProposer(isProposer)
}

// IsProposer implements the `core.Proposer` interface.
func (p constantProposer) IsProposer(core.Height, core.Round) bool {
	return bool(p)
}
