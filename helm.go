// Package helm is a high-level package for running replicas of the Tendermint
// consensus algorithm over multiple independent lanes. The Helm interface is
// the main entry point for users.
//
// See [package core](https://godoc.org/github.com/renproject/helm/core) for
// the implementation of the pure consensus state machine.
//
// See [package replica](https://godoc.org/github.com/renproject/helm/replica)
// for the driver that wires the state machine to its collaborators.
//
// See [package timer](https://godoc.org/github.com/renproject/helm/timer) for
// timeout duration policies.
package helm

import (
	"encoding/base64"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/replica"
	"github.com/renproject/phi"
)

type (
	// A Value is the 32-byte identifier of data upon which consensus is being
	// reached. The content behind a Value is never inspected by consensus.
	Value = core.Value
	// The Height in a replicated log at which a Value is decided.
	Height = core.Height
	// The Round in a consensus algorithm at which a Value is
	// proposed/decided.
	Round = core.Round
	// The Step within the current Round.
	Step = core.Step
	// The State of a consensus instance.
	State = core.State
	// An Instance drives consensus for exactly one Height.
	Instance = core.Instance
	// An Event is an externally-classified consensus stimulus.
	Event = core.Event
	// A Message is a directive emitted by an Instance.
	Message = core.Message
)

type (
	// Options parameterise a Replica.
	Options = replica.Options
	// A Replica owns the consensus instance for the current Height.
	Replica = replica.Replica
	// A Proposer supplies application values for proposing.
	Proposer = replica.Proposer
	// A Broadcaster sends votes to all replicas.
	Broadcaster = replica.Broadcaster
	// A Timer schedules timeout events.
	Timer = replica.Timer
	// A Committer receives decided values.
	Committer = replica.Committer
	// StateStorage saves and restores consensus state.
	StateStorage = replica.StateStorage
	// A Journal records applied events for replay.
	Journal = replica.Journal
)

// NilValue is the Value used by nil votes.
var NilValue = core.NilValue

// Lanes is a wrapper around the []Lane type.
type Lanes []Lane

// A Lane identifies one independent consensus log. Replicas in different
// Lanes never interact; a process that orders several logs at once runs one
// Replica per Lane.
type Lane [32]byte

// Equal compares one Lane with another.
func (lane Lane) Equal(other Lane) bool {
	return lane == other
}

// String implements the `fmt.Stringer` interface.
func (lane Lane) String() string {
	return base64.RawStdEncoding.EncodeToString(lane[:])
}

// Helm manages multiple Replicas from different Lanes.
type Helm interface {
	Start()
	HandleEvent(lane Lane, event Event)
}

type helm struct {
	replicas map[Lane]*replica.Replica
}

// New returns a new Helm instance that wraps one Replica per Lane. Events are
// routed by Lane; events for unknown Lanes are dropped.
func New(replicas map[Lane]*replica.Replica) Helm {
	owned := make(map[Lane]*replica.Replica, len(replicas))
	for lane, replica := range replicas {
		owned[lane] = replica
	}
	return &helm{
		replicas: owned,
	}
}

// Start all Replicas in the Helm instance.
func (helm *helm) Start() {
	phi.ParForAll(helm.replicas, func(lane Lane) {
		helm.replicas[lane].Start()
	})
}

// HandleEvent routes an Event to the Replica of the given Lane.
func (helm *helm) HandleEvent(lane Lane, event Event) {
	replica, ok := helm.replicas[lane]
	if !ok {
		return
	}
	replica.HandleEvent(event)
}
