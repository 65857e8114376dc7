package testutil_replica

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/replica"
	"github.com/renproject/surge"
)

// MockStateStorage keeps the marshaled state of one replica in memory. The
// state is stored as binary so that the storage round-trips through the same
// codec a persistent implementation would use.
type MockStateStorage struct {
	mu   *sync.RWMutex
	data []byte
}

func NewMockStateStorage() *MockStateStorage {
	return &MockStateStorage{
		mu: new(sync.RWMutex),
	}
}

// SaveState implements the `replica.StateStorage` interface.
func (store *MockStateStorage) SaveState(state *core.State) {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, err := surge.ToBinary(*state)
	if err != nil {
		panic(fmt.Errorf("failed to marshal state: %v", err))
	}
	store.data = data
}

// RestoreState implements the `replica.StateStorage` interface. Restoring
// from an empty storage leaves the state untouched.
func (store *MockStateStorage) RestoreState(state *core.State) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if len(store.data) == 0 {
		return
	}
	if err := surge.FromBinary(store.data, state); err != nil {
		panic(fmt.Errorf("failed to unmarshal state: %v", err))
	}
}

// MockJournal records applied events in memory, both as values and through
// the binary codec, so that tests can check replayability.
type MockJournal struct {
	mu     *sync.Mutex
	events []core.Event
	buf    bytes.Buffer
}

func NewMockJournal() *MockJournal {
	return &MockJournal{
		mu: new(sync.Mutex),
	}
}

// Append implements the `replica.Journal` interface.
func (journal *MockJournal) Append(event core.Event) error {
	journal.mu.Lock()
	defer journal.mu.Unlock()

	if _, err := core.MarshalEvent(event, &journal.buf, surge.MaxBytes); err != nil {
		return err
	}
	journal.events = append(journal.events, event)
	return nil
}

// Events returns the recorded events in application order.
func (journal *MockJournal) Events() []core.Event {
	journal.mu.Lock()
	defer journal.mu.Unlock()

	events := make([]core.Event, len(journal.events))
	copy(events, journal.events)
	return events
}

// Replay decodes the journaled binary back into events. The result must equal
// Events; anything else is a codec bug.
func (journal *MockJournal) Replay() ([]core.Event, error) {
	journal.mu.Lock()
	defer journal.mu.Unlock()

	r := bytes.NewReader(journal.buf.Bytes())
	events := []core.Event{}
	for r.Len() > 0 {
		event, _, err := core.UnmarshalEvent(r, surge.MaxBytes)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// BroadcasterCallbacks implements the `replica.Broadcaster` interface by
// forwarding to optional callbacks.
type BroadcasterCallbacks struct {
	BroadcastProposeCallback   func(core.Propose)
	BroadcastPrevoteCallback   func(core.Prevote)
	BroadcastPrecommitCallback func(core.Precommit)
}

func (broadcaster BroadcasterCallbacks) BroadcastPropose(propose core.Propose) {
	if broadcaster.BroadcastProposeCallback != nil {
		broadcaster.BroadcastProposeCallback(propose)
	}
}

func (broadcaster BroadcasterCallbacks) BroadcastPrevote(prevote core.Prevote) {
	if broadcaster.BroadcastPrevoteCallback != nil {
		broadcaster.BroadcastPrevoteCallback(prevote)
	}
}

func (broadcaster BroadcasterCallbacks) BroadcastPrecommit(precommit core.Precommit) {
	if broadcaster.BroadcastPrecommitCallback != nil {
		broadcaster.BroadcastPrecommitCallback(precommit)
	}
}

// CommitterCallback implements the `replica.Committer` interface.
type CommitterCallback func(core.Height, core.Round, core.Value)

func (committer CommitterCallback) Commit(height core.Height, round core.Round, value core.Value) {
	committer(height, round, value)
}

// ProposerCallback implements the `replica.Proposer` interface.
type ProposerCallback func(core.Height, core.Round) core.Value

func (proposer ProposerCallback) Propose(height core.Height, round core.Round) core.Value {
	return proposer(height, round)
}

// TimerCallbacks implements the `replica.Timer` interface by recording the
// scheduled timeouts.
type TimerCallbacks struct {
	TimeoutProposeCallback   func(core.Height, core.Round)
	TimeoutPrevoteCallback   func(core.Height, core.Round)
	TimeoutPrecommitCallback func(core.Height, core.Round)
}

func (timer TimerCallbacks) TimeoutPropose(height core.Height, round core.Round) {
	if timer.TimeoutProposeCallback != nil {
		timer.TimeoutProposeCallback(height, round)
	}
}

func (timer TimerCallbacks) TimeoutPrevote(height core.Height, round core.Round) {
	if timer.TimeoutPrevoteCallback != nil {
		timer.TimeoutPrevoteCallback(height, round)
	}
}

func (timer TimerCallbacks) TimeoutPrecommit(height core.Height, round core.Round) {
	if timer.TimeoutPrecommitCallback != nil {
		timer.TimeoutPrecommitCallback(height, round)
	}
}

var _ replica.Broadcaster = BroadcasterCallbacks{}
var _ replica.Committer = CommitterCallback(nil)
var _ replica.Proposer = ProposerCallback(nil)
var _ replica.Timer = TimerCallbacks{}
var _ replica.StateStorage = (*MockStateStorage)(nil)
var _ replica.Journal = (*MockJournal)(nil)
