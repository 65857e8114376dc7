// Package testutil_replica provides a deterministic multi-replica simulation
// of the consensus core, together with mock implementations of the replica
// collaborators. The simulation performs the classification that the core
// delegates to its consumer — vote counting, quorum detection, future-round
// evidence — so that whole networks of instances can be driven without any
// networking or wall clock.
package testutil_replica

import (
	"fmt"
	"math/rand"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/coreutil"
	co "github.com/republicprotocol/co-go"
)

// A Pid identifies one replica in a simulated network.
type Pid int

type tallyLatch struct {
	kind  uint8
	round core.Round
}

const (
	latchProposal = uint8(iota + 1)
	latchPolka
	latchPolkaNil
	latchPolkaAny
	latchCommit
	latchCommitAny
	latchNewRound
)

// A Tally counts the votes received by one replica and classifies them into
// the Events its core consumes. Each quorum is reported exactly once per
// round. The Tally is the consumer-side collaborator that the core explicitly
// does not contain.
type Tally struct {
	f int

	proposals  map[core.Round]core.Propose
	prevotes   map[core.Round]map[Pid]core.Prevote
	precommits map[core.Round]map[Pid]core.Precommit

	// senders of any message per round, for f+1 future-round evidence.
	senders map[core.Round]map[Pid]bool

	latches map[tallyLatch]bool
}

// NewTally returns an empty Tally for a network that tolerates f faults.
func NewTally(f int) *Tally {
	return &Tally{
		f:          f,
		proposals:  map[core.Round]core.Propose{},
		prevotes:   map[core.Round]map[Pid]core.Prevote{},
		precommits: map[core.Round]map[Pid]core.Precommit{},
		senders:    map[core.Round]map[Pid]bool{},
		latches:    map[tallyLatch]bool{},
	}
}

func (tally *Tally) quorum() int {
	return 2*tally.f + 1
}

// InsertPropose records a received proposal and returns the Events it opens:
// the classified proposal itself, and possibly future-round evidence.
func (tally *Tally) InsertPropose(from Pid, propose core.Propose, currentRound core.Round, valid bool) []core.Event {
	events := tally.trackSender(from, propose.Round, currentRound)

	if _, ok := tally.proposals[propose.Round]; ok {
		return events
	}
	tally.proposals[propose.Round] = propose

	if tally.latch(latchProposal, propose.Round) {
		return events
	}
	if valid {
		events = append(events, core.ProposalValid{Value: propose.Value, Round: propose.Round, ValidRound: propose.ValidRound})
	} else {
		events = append(events, core.ProposalInvalid{Value: propose.Value, Round: propose.Round, ValidRound: propose.ValidRound})
	}
	return events
}

// InsertPrevote records a received prevote and returns the Events it opens:
// polkas of all three shapes, and possibly future-round evidence.
func (tally *Tally) InsertPrevote(from Pid, prevote core.Prevote, currentRound core.Round) []core.Event {
	events := tally.trackSender(from, prevote.Round, currentRound)

	if _, ok := tally.prevotes[prevote.Round]; !ok {
		tally.prevotes[prevote.Round] = map[Pid]core.Prevote{}
	}
	if _, ok := tally.prevotes[prevote.Round][from]; ok {
		return events
	}
	tally.prevotes[prevote.Round][from] = prevote

	votes := tally.prevotes[prevote.Round]
	forValue, forNil := 0, 0
	for _, vote := range votes {
		if vote.Value.Equal(prevote.Value) {
			forValue++
		}
		if vote.Value.Equal(core.NilValue) {
			forNil++
		}
	}

	if !prevote.Value.Equal(core.NilValue) && forValue >= tally.quorum() && !tally.latch(latchPolka, prevote.Round) {
		events = append(events, core.Polka{Value: prevote.Value, Round: prevote.Round})
	}
	if forNil >= tally.quorum() && !tally.latch(latchPolkaNil, prevote.Round) {
		events = append(events, core.PolkaNil{Round: prevote.Round})
	}
	if len(votes) >= tally.quorum() && !tally.latch(latchPolkaAny, prevote.Round) {
		events = append(events, core.PolkaAny{Round: prevote.Round})
	}
	return events
}

// InsertPrecommit records a received precommit and returns the Events it
// opens: precommit quorums, and possibly future-round evidence.
func (tally *Tally) InsertPrecommit(from Pid, precommit core.Precommit, currentRound core.Round) []core.Event {
	events := tally.trackSender(from, precommit.Round, currentRound)

	if _, ok := tally.precommits[precommit.Round]; !ok {
		tally.precommits[precommit.Round] = map[Pid]core.Precommit{}
	}
	if _, ok := tally.precommits[precommit.Round][from]; ok {
		return events
	}
	tally.precommits[precommit.Round][from] = precommit

	votes := tally.precommits[precommit.Round]
	forValue := 0
	for _, vote := range votes {
		if vote.Value.Equal(precommit.Value) {
			forValue++
		}
	}

	if !precommit.Value.Equal(core.NilValue) && forValue >= tally.quorum() && !tally.latch(latchCommit, precommit.Round) {
		events = append(events, core.Commit{Value: precommit.Value, Round: precommit.Round})
	}
	if len(votes) >= tally.quorum() && !tally.latch(latchCommitAny, precommit.Round) {
		events = append(events, core.CommitAny{Round: precommit.Round})
	}
	return events
}

// trackSender counts distinct senders per round. Once f+1 distinct senders
// have been seen in a round beyond the receiver's current round, a NewRound
// Event is synthesized, once.
func (tally *Tally) trackSender(from Pid, round, currentRound core.Round) []core.Event {
	if _, ok := tally.senders[round]; !ok {
		tally.senders[round] = map[Pid]bool{}
	}
	tally.senders[round][from] = true

	if round <= currentRound {
		return nil
	}
	if len(tally.senders[round]) < tally.f+1 {
		return nil
	}
	if tally.latch(latchNewRound, round) {
		return nil
	}
	return []core.Event{core.NewRound{Round: round}}
}

// latch returns whether the given latch was already set, setting it either
// way.
func (tally *Tally) latch(kind uint8, round core.Round) bool {
	key := tallyLatch{kind: kind, round: round}
	if tally.latches[key] {
		return true
	}
	tally.latches[key] = true
	return false
}

// A Network simulates 3f+1 consensus instances exchanging votes at a single
// height. Delivery order is randomized from a seed, so a run is fully
// deterministic in (f, seed): the same seed always produces the same message
// traces and the same decisions.
type Network struct {
	f    int
	rand *rand.Rand

	insts    []*core.Instance
	tallies  []*Tally
	queues   [][]core.Event
	timeouts [][]core.ScheduleTimeout

	decisions map[Pid]core.Decision
	traces    [][]core.Message
}

// NewNetwork returns a Network of 3f+1 instances at height 1 with a
// round-robin proposer schedule.
func NewNetwork(f int, seed int64) *Network {
	n := 3*f + 1
	net := &Network{
		f:    f,
		rand: rand.New(rand.NewSource(seed)),

		insts:    make([]*core.Instance, n),
		tallies:  make([]*Tally, n),
		queues:   make([][]core.Event, n),
		timeouts: make([][]core.ScheduleTimeout, n),

		decisions: map[Pid]core.Decision{},
		traces:    make([][]core.Message, n),
	}
	for i := 0; i < n; i++ {
		net.insts[i] = core.New(1, coreutil.NewRoundRobin(n, i))
		net.tallies[i] = NewTally(f)
	}
	return net
}

// Run the simulation until every instance has decided, or until maxSteps
// events have been delivered. It returns whether all instances decided.
func (net *Network) Run(maxSteps int) bool {
	for pid := range net.insts {
		net.route(Pid(pid), net.insts[pid].Start())
		net.maybeProposeValue(Pid(pid))
	}

	for steps := 0; steps < maxSteps && !net.allDecided(); steps++ {
		pid, ok := net.nextNonEmptyQueue()
		if !ok {
			if !net.firePendingTimeouts() {
				break
			}
			continue
		}

		event := net.queues[pid][0]
		net.queues[pid] = net.queues[pid][1:]
		net.route(pid, net.insts[pid].Apply(event))
		net.maybeProposeValue(pid)
	}
	return net.allDecided()
}

// Decisions returns the Decision of every instance that has decided.
func (net *Network) Decisions() map[Pid]core.Decision {
	decisions := map[Pid]core.Decision{}
	for pid, decision := range net.decisions {
		decisions[pid] = decision
	}
	return decisions
}

// Traces returns the full message trace of every instance, in emission order.
func (net *Network) Traces() [][]core.Message {
	return net.traces
}

func (net *Network) allDecided() bool {
	return len(net.decisions) == len(net.insts)
}

func (net *Network) nextNonEmptyQueue() (Pid, bool) {
	nonEmpty := make([]Pid, 0, len(net.queues))
	for pid := range net.queues {
		if len(net.queues[pid]) > 0 {
			nonEmpty = append(nonEmpty, Pid(pid))
		}
	}
	if len(nonEmpty) == 0 {
		return 0, false
	}
	return nonEmpty[net.rand.Intn(len(nonEmpty))], true
}

// firePendingTimeouts converts every pending symbolic timeout into its
// Timeout Event. The simulation only fires timeouts when the network is
// otherwise quiescent; the core independently drops the stale ones.
func (net *Network) firePendingTimeouts() bool {
	fired := false
	for pid := range net.timeouts {
		for _, timeout := range net.timeouts[pid] {
			var event core.Event
			switch timeout.Kind {
			case core.TimeoutKindPropose:
				event = core.TimeoutPropose{Height: timeout.Height, Round: timeout.Round}
			case core.TimeoutKindPrevote:
				event = core.TimeoutPrevote{Height: timeout.Height, Round: timeout.Round}
			case core.TimeoutKindPrecommit:
				event = core.TimeoutPrecommit{Height: timeout.Height, Round: timeout.Round}
			default:
				panic(fmt.Errorf("invariant violation: unexpected timeout kind=%d", uint8(timeout.Kind)))
			}
			net.queues[pid] = append(net.queues[pid], event)
			fired = true
		}
		net.timeouts[pid] = nil
	}
	return fired
}

// maybeProposeValue supplies the application value whenever an instance is
// waiting to propose. Values are derived from the height, round, and proposer
// so that runs are reproducible.
func (net *Network) maybeProposeValue(pid Pid) {
	inst := net.insts[pid]
	if inst.Decided() || inst.CurrentStep != core.Proposing {
		return
	}
	round := inst.CurrentRound
	if round == core.InvalidRound {
		return
	}
	if !coreutil.NewRoundRobin(len(net.insts), int(pid)).IsProposer(inst.CurrentHeight, round) {
		return
	}
	value := coreutil.ValueOf([]byte(fmt.Sprintf("value-%d-%d-%d", inst.CurrentHeight, round, pid)))
	net.route(pid, inst.Apply(core.ProposeValue{Value: value}))
}

// route delivers the Messages emitted by one instance: votes are broadcast to
// every instance (including the sender), timeouts are parked until the
// network is quiescent, and decisions are recorded.
func (net *Network) route(from Pid, msgs []core.Message) {
	net.traces[from] = append(net.traces[from], msgs...)

	for _, msg := range msgs {
		switch msg := msg.(type) {
		case core.Propose:
			net.broadcast(func(to Pid) []core.Event {
				return net.tallies[to].InsertPropose(from, msg, net.insts[to].CurrentRound, true)
			})
		case core.Prevote:
			net.broadcast(func(to Pid) []core.Event {
				return net.tallies[to].InsertPrevote(from, msg, net.insts[to].CurrentRound)
			})
		case core.Precommit:
			net.broadcast(func(to Pid) []core.Event {
				return net.tallies[to].InsertPrecommit(from, msg, net.insts[to].CurrentRound)
			})
		case core.ScheduleTimeout:
			net.timeouts[from] = append(net.timeouts[from], msg)
		case core.Decision:
			net.decisions[from] = msg
		default:
			panic(fmt.Errorf("invariant violation: unexpected message type=%d", uint8(msg.Type())))
		}
	}
}

// broadcast fans a classification out over all instances in parallel. Each
// goroutine touches only the tally and queue of its own instance, so the
// fan-out needs no locks and keeps per-instance delivery order deterministic.
func (net *Network) broadcast(classify func(to Pid) []core.Event) {
	co.ParForAll(net.insts, func(to int) {
		events := classify(Pid(to))
		net.queues[to] = append(net.queues[to], events...)
	})
}
