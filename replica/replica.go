// Package replica wraps the pure consensus core with the bookkeeping a real
// deployment needs: dispatching the core's directives to the network and the
// clock, persisting state between events, journaling events for replay, and
// rolling over to a fresh instance when a height is decided. Everything the
// core declares out of scope — vote counting, quorum detection, signing,
// proposer selection — remains with the surrounding system; a Replica only
// moves data between the core and the collaborators it is given.
//
// Replicas are not safe for concurrent use. All methods must be called by the
// same goroutine that allocates the Replica.
package replica

import (
	"github.com/renproject/helm/core"
	"github.com/sirupsen/logrus"
)

// A Proposer is used to get application values for proposing. It is only
// invoked when the schedule says it is this replica's turn, and it must
// return a valid Value for the given Height and Round. Once it returns a
// Value, it must never return a different Value for the same Height and
// Round.
type Proposer interface {
	Propose(core.Height, core.Round) core.Value
}

// A Broadcaster is used to send Propose, Prevote, and Precommit messages to
// all replicas, including the one that initiated the broadcast. Signing the
// messages before they leave the machine is the Broadcaster's concern.
type Broadcaster interface {
	BroadcastPropose(core.Propose)
	BroadcastPrevote(core.Prevote)
	BroadcastPrecommit(core.Precommit)
}

// A Timer is used to schedule timeout events. The timeout should be
// proportional to the Round, and the owner must feed the firing back to the
// Replica as the corresponding Timeout Event.
type Timer interface {
	TimeoutPropose(core.Height, core.Round)
	TimeoutPrevote(core.Height, core.Round)
	TimeoutPrecommit(core.Height, core.Round)
}

// A Committer is used to emit Values that are committed. The commitment of a
// new Value implies that all correct replicas agree on this Value at this
// Height, and will never revert.
type Committer interface {
	Commit(core.Height, core.Round, core.Value)
}

// StateStorage saves and restores `core.State` to persistent memory. This
// guarantees that in the event of an unexpected shutdown, the Replica will
// only drop the Event that was currently being handled.
type StateStorage interface {
	SaveState(state *core.State)
	RestoreState(state *core.State)
}

// A Journal records every Event applied to the Replica, in order. Replaying a
// journal against a fresh Replica reproduces the exact message trace, because
// the core is deterministic.
type Journal interface {
	Append(core.Event) error
}

// Options define a set of properties that can be used to parameterise the
// Replica and its behaviour.
type Options struct {
	// Logging
	Logger logrus.FieldLogger
}

func (options *Options) setZerosToDefaults() {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
}

// A Replica owns the consensus instance for the current Height and the wiring
// around it.
type Replica struct {
	options Options
	inst    *core.Instance

	scheduler   core.Proposer
	proposer    Proposer
	broadcaster Broadcaster
	timer       Timer
	committer   Committer
	storage     StateStorage
	journal     Journal
}

// New returns a new Replica for the given Height. The scheduler answers
// whether this replica proposes in a round; the proposer supplies the values
// when it does. The journal may be nil, in which case events are not
// recorded. If the storage holds a previously saved state for this height,
// the Replica resumes from it.
func New(options Options, height core.Height, scheduler core.Proposer, proposer Proposer, broadcaster Broadcaster, timer Timer, committer Committer, storage StateStorage, journal Journal) *Replica {
	options.setZerosToDefaults()

	state := core.DefaultState(height)
	if storage != nil {
		storage.RestoreState(&state)
		if state.CurrentHeight != height {
			// Stored state belongs to another height; start clean.
			state = core.DefaultState(height)
		}
	}

	return &Replica{
		options: options,
		inst:    core.NewFromState(state, scheduler),

		scheduler:   scheduler,
		proposer:    proposer,
		broadcaster: broadcaster,
		timer:       timer,
		committer:   committer,
		storage:     storage,
		journal:     journal,
	}
}

// Start the Replica. The initial messages of the instance are dispatched, and
// if it is this replica's turn to propose, the application is asked for a
// value immediately.
func (replica *Replica) Start() {
	replica.dispatch(replica.inst.Start())
	replica.maybePropose()
	replica.save()
}

// HandleEvent applies a classified Event to the instance and dispatches
// whatever the instance answers with. The state is saved after every event so
// that a crash drops at most the event in flight.
func (replica *Replica) HandleEvent(event core.Event) {
	if replica.journal != nil {
		if err := replica.journal.Append(event); err != nil {
			replica.options.Logger.Warnf("bad journal: %v", err)
		}
	}

	msgs := replica.inst.Apply(event)
	if len(msgs) == 0 {
		replica.options.Logger.Debugf("no-op event: type=%d", event.Type())
	}
	replica.dispatch(msgs)
	replica.maybePropose()
	replica.save()
}

// CurrentHeight of the instance owned by this Replica.
func (replica *Replica) CurrentHeight() core.Height {
	return replica.inst.CurrentHeight
}

// CurrentRound of the instance owned by this Replica.
func (replica *Replica) CurrentRound() core.Round {
	return replica.inst.CurrentRound
}

// CurrentStep of the instance owned by this Replica.
func (replica *Replica) CurrentStep() core.Step {
	return replica.inst.CurrentStep
}

// Decision returns the decided value and round of the current instance, if
// any. Because the Replica rolls over on decision, this is only non-empty in
// the window between deciding and the next height starting, and is mostly
// useful in tests.
func (replica *Replica) Decision() (core.Value, core.Round, bool) {
	return replica.inst.Decision()
}

func (replica *Replica) dispatch(msgs []core.Message) {
	for _, msg := range msgs {
		switch msg := msg.(type) {
		case core.Propose:
			replica.broadcaster.BroadcastPropose(msg)
		case core.Prevote:
			replica.broadcaster.BroadcastPrevote(msg)
		case core.Precommit:
			replica.broadcaster.BroadcastPrecommit(msg)
		case core.ScheduleTimeout:
			replica.scheduleTimeout(msg)
		case core.Decision:
			replica.options.Logger.Infof("decided: height=%d round=%d value=%v", msg.Height, msg.Round, msg.Value)
			replica.committer.Commit(msg.Height, msg.Round, msg.Value)
			replica.rollover(msg.Height + 1)
		default:
			panic("invariant violation: unexpected message type")
		}
	}
}

func (replica *Replica) scheduleTimeout(msg core.ScheduleTimeout) {
	if replica.timer == nil {
		replica.options.Logger.Debugf("dropped timeout: kind=%v round=%d", msg.Kind, msg.Round)
		return
	}
	switch msg.Kind {
	case core.TimeoutKindPropose:
		replica.timer.TimeoutPropose(msg.Height, msg.Round)
	case core.TimeoutKindPrevote:
		replica.timer.TimeoutPrevote(msg.Height, msg.Round)
	case core.TimeoutKindPrecommit:
		replica.timer.TimeoutPrecommit(msg.Height, msg.Round)
	default:
		panic("invariant violation: unexpected timeout kind")
	}
}

// rollover discards the decided instance and allocates the instance for the
// next Height. Locked and valid values never carry across heights.
func (replica *Replica) rollover(height core.Height) {
	replica.inst = core.New(height, replica.scheduler)
	replica.dispatch(replica.inst.Start())
	replica.maybePropose()
}

// maybePropose asks the application for a value when the instance is waiting
// in the proposing step of a round that is ours. The core latches proposals
// per round, so calling this repeatedly is harmless.
func (replica *Replica) maybePropose() {
	if replica.proposer == nil || replica.scheduler == nil {
		return
	}
	if replica.inst.Decided() || replica.inst.CurrentStep != core.Proposing {
		return
	}
	height, round := replica.inst.CurrentHeight, replica.inst.CurrentRound
	if round == core.InvalidRound || !replica.scheduler.IsProposer(height, round) {
		return
	}
	value := replica.proposer.Propose(height, round)
	replica.dispatch(replica.inst.Apply(core.ProposeValue{Value: value}))
}

func (replica *Replica) save() {
	if replica.storage == nil {
		return
	}
	replica.storage.SaveState(&replica.inst.State)
}
