// Package core implements one decision instance of the Byzantine fault
// tolerant consensus algorithm described by "The latest gossip on BFT
// consensus" (Buchman et al.), which can be found at
// https://arxiv.org/pdf/1807.04938.pdf.
//
// The package contains no networking, no cryptography, no vote counting, and
// no clock. The consumer classifies all external stimuli into Events (quorum
// observations, validated proposals, timeout firings) and applies them one at
// a time; the Instance answers with Messages (votes to broadcast, timeouts to
// schedule, and eventually one Decision). The transition is a pure function of
// the current state and the applied event, which makes an Instance trivially
// replayable and testable by driving it with a scripted event list.
//
// Instances are not safe for concurrent use. All methods must be called by
// the same goroutine that allocates the Instance.
package core

// A Proposer is used to determine whether this replica proposes in a given
// Round. Proposer selection itself is external; the Instance only ever asks
// about its own turn, so that starting a round can either wait for a
// ProposeValue Event (our turn) or schedule the propose timeout (not our
// turn). A nil Proposer is treated as never being our turn.
type Proposer interface {
	IsProposer(height Height, round Round) bool
}

// An Instance drives consensus for exactly one Height. It lives until a
// Decision has been emitted; after that every Apply is a no-op and the owner
// is expected to discard the Instance and allocate one for the next Height.
type Instance struct {
	proposer Proposer
	started  bool

	// ProposalLogs cache the first valid proposal observed in each Round.
	// Proposals are kept for past rounds because later rounds may re-propose
	// a value by referencing the polka of an earlier round, and because a
	// precommit quorum for a past round still decides the height.
	ProposalLogs map[Round]ProposalValid

	// PolkaLogs cache the first value polka observed in each Round.
	PolkaLogs map[Round]Value

	// CommitLogs cache the first precommit quorum observed in each Round,
	// awaiting the matching proposal.
	CommitLogs map[Round]Value

	// OnceFlags prevent once-per-round emissions from happening more than
	// once.
	OnceFlags map[Round]OnceFlag

	// State of the Instance.
	State
}

// New returns an Instance at the beginning of life for the given Height. The
// Instance is inert until Start is called.
func New(height Height, proposer Proposer) *Instance {
	return NewFromState(DefaultState(height), proposer)
}

// NewFromState returns an Instance that resumes from the given State. It is
// used to restore an Instance after a restart, and to carry a locked/valid
// value into a replacement Instance when the owner re-runs a height.
func NewFromState(state State, proposer Proposer) *Instance {
	return &Instance{
		proposer:     proposer,
		ProposalLogs: map[Round]ProposalValid{},
		PolkaLogs:    map[Round]Value{},
		CommitLogs:   map[Round]Value{},
		OnceFlags:    map[Round]OnceFlag{},
		State:        state,
	}
}

// Start the Instance. For a fresh Instance this enters round 0; for a
// restored Instance it re-enters the restored round. It returns the initial
// Messages: the propose timeout when this replica is not the proposer, and
// nothing when it is (the ProposeValue Event is awaited instead).
//
// L10:
//	upon start do
//		StartRound(0)
func (inst *Instance) Start() []Message {
	if inst.started || inst.Decided() {
		return nil
	}
	inst.started = true

	round := inst.CurrentRound
	if round == InvalidRound {
		round = 0
	}
	return inst.startRound(round)
}

// Decision returns the decided value and round once the Instance is terminal.
func (inst *Instance) Decision() (Value, Round, bool) {
	if !inst.Decided() {
		return NilValue, InvalidRound, false
	}
	return inst.DecidedValue, inst.DecidedRound, true
}

// Apply an Event and return the Messages it produces, in order. Apply is the
// sole transition entry point: it is total over all Events, and any event that
// is out of context (wrong height, stale round, wrong step, already decided)
// is silently ignored. A Byzantine consumer can waste our time, but it cannot
// crash us.
func (inst *Instance) Apply(event Event) []Message {
	if !inst.started || inst.Decided() {
		return nil
	}

	// Check pre-conditions.
	if inst.LockedRound == InvalidRound && !inst.LockedValue.Equal(NilValue) {
		panic("invariant violation: expected locked value to be nil")
	}
	if inst.ValidRound == InvalidRound && !inst.ValidValue.Equal(NilValue) {
		panic("invariant violation: expected valid value to be nil")
	}

	switch event := event.(type) {
	case NewRound:
		return inst.applyNewRound(event)
	case ProposeValue:
		return inst.applyProposeValue(event)
	case ProposalValid:
		return inst.applyProposalValid(event)
	case ProposalInvalid:
		return inst.applyProposalInvalid(event)
	case Polka:
		return inst.applyPolka(event)
	case PolkaNil:
		return inst.applyPolkaNil(event)
	case PolkaAny:
		return inst.applyPolkaAny(event)
	case Commit:
		return inst.applyCommit(event)
	case CommitAny:
		return inst.applyCommitAny(event)
	case TimeoutPropose:
		return inst.applyTimeoutPropose(event)
	case TimeoutPrevote:
		return inst.applyTimeoutPrevote(event)
	case TimeoutPrecommit:
		return inst.applyTimeoutPrecommit(event)
	default:
		return nil
	}
}

// startRound progresses the Instance to a new Round. It does not assume that
// cached proposals or polkas exist for the new round: events for future rounds
// are dropped on arrival, so the consumer re-delivers anything that is still
// relevant after issuing NewRound.
//
// L11:
//	Function StartRound(round)
//		currentRound ← round
//		currentStep ← propose
//		if proposer(currentHeight, currentRound) = p then
//			if validValue != nil then
//				proposal ← validValue
//			else
//				proposal ← getValue()
//			broadcast〈PROPOSAL, currentHeight, currentRound, proposal, validRound〉
//		else
//			schedule OnTimeoutPropose(currentHeight, currentRound) to be executed after timeoutPropose(currentRound)
func (inst *Instance) startRound(round Round) []Message {
	if round < inst.CurrentRound {
		panic("invariant violation: rounds must not decrease")
	}

	inst.CurrentRound = round
	inst.CurrentStep = Proposing

	// If it is our turn to propose, we stay quiet and wait for the consumer
	// to supply the application value with a ProposeValue Event.
	if inst.proposer != nil && inst.proposer.IsProposer(inst.CurrentHeight, round) {
		return nil
	}
	return []Message{ScheduleTimeout{Kind: TimeoutKindPropose, Height: inst.CurrentHeight, Round: round}}
}

// L55:
//
//  upon f+1〈∗, currentHeight, r, ∗, ∗〉with r > currentRound do
//      StartRound(r)
//
// The f+1 counting happens in the consumer; by the time a NewRound Event
// reaches the Instance the evidence has already been weighed. Repeating a
// NewRound for the current round is idempotent.
func (inst *Instance) applyNewRound(event NewRound) []Message {
	if event.Round <= inst.CurrentRound {
		return nil
	}
	return inst.startRound(event.Round)
}

// The proposer half of L11: the application has supplied a value for us to
// propose. If a valid value is known from an earlier polka it takes
// precedence over the fresh value.
func (inst *Instance) applyProposeValue(event ProposeValue) []Message {
	if inst.CurrentStep != Proposing {
		return nil
	}
	if inst.checkOnceFlag(inst.CurrentRound, OnceFlagPropose) {
		return nil
	}
	inst.setOnceFlag(inst.CurrentRound, OnceFlagPropose)

	if inst.ValidRound != InvalidRound {
		return []Message{Propose{
			Height:     inst.CurrentHeight,
			Round:      inst.CurrentRound,
			Value:      inst.ValidValue,
			ValidRound: inst.ValidRound,
		}}
	}
	return []Message{Propose{
		Height:     inst.CurrentHeight,
		Round:      inst.CurrentRound,
		Value:      event.Value,
		ValidRound: InvalidRound,
	}}
}

// A validated proposal has been received. Proposals for future rounds are
// dropped (the consumer signals round advancement with NewRound); proposals
// for the current and past rounds are cached, because they can complete three
// different joins: prevoting in the current round, locking upon a current
// polka, and deciding upon a past or present precommit quorum.
func (inst *Instance) applyProposalValid(event ProposalValid) []Message {
	if event.Round > inst.CurrentRound {
		return nil
	}
	if _, ok := inst.ProposalLogs[event.Round]; !ok {
		inst.ProposalLogs[event.Round] = event
	}

	msgs := inst.tryDecideUponCommit(event.Round)
	if inst.Decided() {
		return msgs
	}
	msgs = append(msgs, inst.tryPrevoteUponProposal()...)
	msgs = append(msgs, inst.tryPrecommitUponPolka()...)
	return msgs
}

// L22 (invalid branch) and L26: an application-invalid proposal immediately
// costs the round a nil prevote. Invalid proposals are never cached.
func (inst *Instance) applyProposalInvalid(event ProposalInvalid) []Message {
	if event.Round != inst.CurrentRound || inst.CurrentStep != Proposing {
		return nil
	}
	msgs := []Message{Prevote{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: NilValue}}
	return append(msgs, inst.stepToPrevoting()...)
}

// A value polka has been observed. Polkas for future rounds are dropped;
// polkas for the current and past rounds are cached, because a proposal that
// arrives later may reference them (L28) or pair with them (L36).
func (inst *Instance) applyPolka(event Polka) []Message {
	if event.Round > inst.CurrentRound {
		return nil
	}
	if _, ok := inst.PolkaLogs[event.Round]; !ok {
		inst.PolkaLogs[event.Round] = event.Value
	}

	msgs := inst.tryPrevoteUponProposal()
	return append(msgs, inst.tryPrecommitUponPolka()...)
}

// L44:
//
//  upon 2f+1〈PREVOTE, currentHeight, currentRound, nil〉
//  while currentStep = prevote do
//      broadcast〈PRECOMMIT, currentHeight, currentRound, nil〉
//      currentStep ← precommit
func (inst *Instance) applyPolkaNil(event PolkaNil) []Message {
	if event.Round != inst.CurrentRound || inst.CurrentStep != Prevoting {
		return nil
	}
	inst.CurrentStep = Precommitting
	return []Message{Precommit{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: NilValue}}
}

// L34:
//
//  upon 2f+1〈PREVOTE, currentHeight, currentRound, ∗〉
//  while currentStep = prevote for the first time do
//      schedule OnTimeoutPrevote(currentHeight, currentRound) to be executed after timeoutPrevote(currentRound)
func (inst *Instance) applyPolkaAny(event PolkaAny) []Message {
	if event.Round != inst.CurrentRound || inst.CurrentStep != Prevoting {
		return nil
	}
	if inst.checkOnceFlag(inst.CurrentRound, OnceFlagTimeoutPrevoteUponPolkaAny) {
		return nil
	}
	inst.setOnceFlag(inst.CurrentRound, OnceFlagTimeoutPrevoteUponPolkaAny)
	return []Message{ScheduleTimeout{Kind: TimeoutKindPrevote, Height: inst.CurrentHeight, Round: inst.CurrentRound}}
}

// A precommit quorum has been observed. Quorums for future rounds are
// dropped; quorums for the current and past rounds decide the height as soon
// as the matching proposal is known (decisions are accepted from any past
// round).
func (inst *Instance) applyCommit(event Commit) []Message {
	if event.Round > inst.CurrentRound {
		return nil
	}
	if _, ok := inst.CommitLogs[event.Round]; !ok {
		inst.CommitLogs[event.Round] = event.Value
	}
	return inst.tryDecideUponCommit(event.Round)
}

// L47:
//
//  upon 2f+1〈PRECOMMIT, currentHeight, currentRound, ∗〉for the first time do
//      schedule OnTimeoutPrecommit(currentHeight, currentRound) to be executed after timeoutPrecommit(currentRound)
func (inst *Instance) applyCommitAny(event CommitAny) []Message {
	if event.Round != inst.CurrentRound {
		return nil
	}
	if inst.checkOnceFlag(inst.CurrentRound, OnceFlagTimeoutPrecommitUponCommitAny) {
		return nil
	}
	inst.setOnceFlag(inst.CurrentRound, OnceFlagTimeoutPrecommitUponCommitAny)
	return []Message{ScheduleTimeout{Kind: TimeoutKindPrecommit, Height: inst.CurrentHeight, Round: inst.CurrentRound}}
}

// L57:
//	Function OnTimeoutPropose(height, round)
//		if height = currentHeight ∧ round = currentRound ∧ currentStep = propose then
//			broadcast〈PREVOTE, currentHeight, currentRound, nil〉
//			currentStep ← prevote
func (inst *Instance) applyTimeoutPropose(event TimeoutPropose) []Message {
	if event.Height != inst.CurrentHeight || event.Round != inst.CurrentRound || inst.CurrentStep != Proposing {
		return nil
	}
	msgs := []Message{Prevote{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: NilValue}}
	return append(msgs, inst.stepToPrevoting()...)
}

// L61:
//	Function OnTimeoutPrevote(height, round)
//		if height = currentHeight ∧ round = currentRound ∧ currentStep = prevote then
//			broadcast〈PRECOMMIT, currentHeight, currentRound, nil〉
//			currentStep ← precommit
func (inst *Instance) applyTimeoutPrevote(event TimeoutPrevote) []Message {
	if event.Height != inst.CurrentHeight || event.Round != inst.CurrentRound || inst.CurrentStep != Prevoting {
		return nil
	}
	inst.CurrentStep = Precommitting
	return []Message{Precommit{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: NilValue}}
}

// L65:
//	Function OnTimeoutPrecommit(height, round)
//		if height = currentHeight ∧ round = currentRound then
//			StartRound(currentRound + 1)
func (inst *Instance) applyTimeoutPrecommit(event TimeoutPrecommit) []Message {
	if event.Height != inst.CurrentHeight || event.Round != inst.CurrentRound {
		return nil
	}
	return inst.startRound(inst.CurrentRound + 1)
}

// L22 and L28: prevote upon the proposal of the current round. A fresh
// proposal prevotes immediately; a proposal that references a prior polka
// round waits until that polka has actually been observed.
//
// L22:
//  upon〈PROPOSAL, currentHeight, currentRound, v, −1〉from proposer(currentHeight, currentRound)
//  while currentStep = propose do
//      if valid(v) ∧ (lockedRound = −1 ∨ lockedValue = v) then
//          broadcast〈PREVOTE, currentHeight, currentRound, id(v)〉
//      else
//          broadcast〈PREVOTE, currentHeight, currentRound, nil〉
//      currentStep ← prevote
//
// L28:
//  upon〈PROPOSAL, currentHeight, currentRound, v, vr〉from proposer(currentHeight, currentRound) AND 2f+1〈PREVOTE, currentHeight, vr, id(v)〉
//  while currentStep = propose ∧ (vr ≥ 0 ∧ vr < currentRound) do
//      if valid(v) ∧ (lockedRound = −1 ∨ (lockedRound ≤ vr ∧ lockedValue = v)) then
//          broadcast〈PREVOTE, currentHeight, currentRound, id(v)〉
//      else
//          broadcast〈PREVOTE, currentHeight, currentRound, nil〉
//      currentStep ← prevote
func (inst *Instance) tryPrevoteUponProposal() []Message {
	if inst.CurrentStep != Proposing {
		return nil
	}
	propose, ok := inst.ProposalLogs[inst.CurrentRound]
	if !ok {
		return nil
	}

	if propose.ValidRound == InvalidRound {
		vote := NilValue
		if inst.LockedRound == InvalidRound || inst.LockedValue.Equal(propose.Value) {
			vote = propose.Value
		}
		msgs := []Message{Prevote{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: vote}}
		return append(msgs, inst.stepToPrevoting()...)
	}

	if propose.ValidRound >= inst.CurrentRound {
		return nil
	}
	polka, ok := inst.PolkaLogs[propose.ValidRound]
	if !ok || !polka.Equal(propose.Value) {
		return nil
	}
	vote := NilValue
	if inst.LockedRound == InvalidRound || (inst.LockedRound <= propose.ValidRound && inst.LockedValue.Equal(propose.Value)) {
		vote = propose.Value
	}
	msgs := []Message{Prevote{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: vote}}
	return append(msgs, inst.stepToPrevoting()...)
}

// L36:
//
//  upon〈PROPOSAL, currentHeight, currentRound, v, ∗〉from proposer(currentHeight, currentRound) AND 2f+1〈PREVOTE, currentHeight, currentRound, id(v)〉
//  while valid(v) ∧ currentStep ≥ prevote for the first time do
//      if currentStep = prevote then
//          lockedValue ← v
//          lockedRound ← currentRound
//          broadcast〈PRECOMMIT, currentHeight, currentRound, id(v)〉
//          currentStep ← precommit
//      validValue ← v
//      validRound ← currentRound
//
// This method must be tried whenever the proposal or the polka of the current
// round arrives, and whenever the step changes to Prevoting, because either
// half of the join can complete it.
func (inst *Instance) tryPrecommitUponPolka() []Message {
	if inst.checkOnceFlag(inst.CurrentRound, OnceFlagPrecommitUponPolka) {
		return nil
	}
	if inst.CurrentStep < Prevoting {
		return nil
	}
	polka, ok := inst.PolkaLogs[inst.CurrentRound]
	if !ok {
		return nil
	}
	propose, ok := inst.ProposalLogs[inst.CurrentRound]
	if !ok || !propose.Value.Equal(polka) {
		return nil
	}
	inst.setOnceFlag(inst.CurrentRound, OnceFlagPrecommitUponPolka)

	var msgs []Message
	if inst.CurrentStep == Prevoting {
		inst.LockedValue = polka
		inst.LockedRound = inst.CurrentRound
		msgs = append(msgs, Precommit{Height: inst.CurrentHeight, Round: inst.CurrentRound, Value: polka})
		inst.CurrentStep = Precommitting
	}
	inst.setValid(polka, inst.CurrentRound)
	return msgs
}

// L49:
//
//  upon〈PROPOSAL, currentHeight, r, v, ∗〉from proposer(currentHeight, r) AND 2f+1〈PRECOMMIT, currentHeight, r, id(v)〉
//  while decision[currentHeight] = nil do
//      if valid(v) then
//          decision[currentHeight] = v
//
// Deciding terminates the Instance rather than rolling into the next height:
// one Instance handles exactly one Height, and the owner allocates the next
// one. A quorum with no matching proposal is left cached until the proposal
// arrives; this is ordinary buffering, not an error.
func (inst *Instance) tryDecideUponCommit(round Round) []Message {
	commit, ok := inst.CommitLogs[round]
	if !ok {
		return nil
	}
	propose, ok := inst.ProposalLogs[round]
	if !ok || !propose.Value.Equal(commit) {
		return nil
	}

	inst.DecidedValue = commit
	inst.DecidedRound = round
	inst.CurrentStep = Committed
	return []Message{Decision{Height: inst.CurrentHeight, Round: round, Value: commit}}
}

// stepToPrevoting puts the Instance into the Prevoting Step. Because the step
// change can complete the L36 join with an already-cached polka, that
// condition is tried immediately; the once flag protects against double
// emissions.
func (inst *Instance) stepToPrevoting() []Message {
	inst.CurrentStep = Prevoting
	return inst.tryPrecommitUponPolka()
}

// setValid updates the valid value, keeping the valid round monotone.
func (inst *Instance) setValid(value Value, round Round) {
	if inst.ValidRound != InvalidRound && round < inst.ValidRound {
		return
	}
	inst.ValidValue = value
	inst.ValidRound = round
}

// checkOnceFlag returns true if the OnceFlag has already been set for the
// given Round. Otherwise, it returns false.
func (inst *Instance) checkOnceFlag(round Round, flag OnceFlag) bool {
	return inst.OnceFlags[round]&flag == flag
}

// setOnceFlag sets the OnceFlag for the given Round.
func (inst *Instance) setOnceFlag(round Round, flag OnceFlag) {
	inst.OnceFlags[round] |= flag
}

// A OnceFlag is used to guarantee that events only happen once in any given
// Round.
type OnceFlag uint16

// Enumerate all OnceFlag values.
const (
	OnceFlagPropose                       = OnceFlag(1)
	OnceFlagPrecommitUponPolka            = OnceFlag(2)
	OnceFlagTimeoutPrevoteUponPolkaAny    = OnceFlag(4)
	OnceFlagTimeoutPrecommitUponCommitAny = OnceFlag(8)
)
