package replica_test

import (
	"math/rand"
	"reflect"
	"time"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/coreutil"
	"github.com/renproject/helm/replica"
	testutil_replica "github.com/renproject/helm/testutil/replica"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Replica", func() {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	Context("when we are the proposer of every round", func() {
		It("should propose, vote, commit, and roll over to the next height", func() {
			value := coreutil.RandomValue(r)

			broadcast := []core.Message{}
			broadcaster := testutil_replica.BroadcasterCallbacks{
				BroadcastProposeCallback:   func(propose core.Propose) { broadcast = append(broadcast, propose) },
				BroadcastPrevoteCallback:   func(prevote core.Prevote) { broadcast = append(broadcast, prevote) },
				BroadcastPrecommitCallback: func(precommit core.Precommit) { broadcast = append(broadcast, precommit) },
			}
			committed := []core.Decision{}
			committer := testutil_replica.CommitterCallback(func(height core.Height, round core.Round, value core.Value) {
				committed = append(committed, core.Decision{Height: height, Round: round, Value: value})
			})
			proposer := testutil_replica.ProposerCallback(func(core.Height, core.Round) core.Value {
				return value
			})

			rep := replica.New(replica.Options{}, 1, coreutil.NewRoundRobin(1, 0), proposer, broadcaster, nil, committer, nil, nil)
			rep.Start()
			Expect(broadcast).To(Equal([]core.Message{
				core.Propose{Height: 1, Round: 0, Value: value, ValidRound: core.InvalidRound},
			}))

			rep.HandleEvent(core.ProposalValid{Value: value, Round: 0, ValidRound: core.InvalidRound})
			rep.HandleEvent(core.Polka{Value: value, Round: 0})
			rep.HandleEvent(core.Commit{Value: value, Round: 0})

			Expect(committed).To(Equal([]core.Decision{
				{Height: 1, Round: 0, Value: value},
			}))

			// The decided instance has been replaced by the next height, and
			// since we propose every round, the height 2 proposal has already
			// been broadcast.
			Expect(rep.CurrentHeight()).To(Equal(core.Height(2)))
			Expect(rep.CurrentRound()).To(Equal(core.Round(0)))
			Expect(broadcast[len(broadcast)-1]).To(Equal(
				core.Propose{Height: 2, Round: 0, Value: value, ValidRound: core.InvalidRound},
			))
		})
	})

	Context("when we are not the proposer", func() {
		It("should schedule the propose timeout and prevote nil when it fires", func() {
			scheduled := [][2]int64{}
			timer := testutil_replica.TimerCallbacks{
				TimeoutProposeCallback: func(height core.Height, round core.Round) {
					scheduled = append(scheduled, [2]int64{int64(height), int64(round)})
				},
			}
			prevotes := []core.Prevote{}
			broadcaster := testutil_replica.BroadcasterCallbacks{
				BroadcastPrevoteCallback: func(prevote core.Prevote) { prevotes = append(prevotes, prevote) },
			}

			rep := replica.New(replica.Options{}, 1, coreutil.ConstantProposer(false), nil, broadcaster, timer, nil, nil, nil)
			rep.Start()
			Expect(scheduled).To(Equal([][2]int64{{1, 0}}))

			rep.HandleEvent(core.TimeoutPropose{Height: 1, Round: 0})
			Expect(prevotes).To(Equal([]core.Prevote{
				{Height: 1, Round: 0, Value: core.NilValue},
			}))
			Expect(rep.CurrentStep()).To(Equal(core.Prevoting))
		})
	})

	Context("when restarting with saved state", func() {
		It("should resume from the stored round", func() {
			storage := testutil_replica.NewMockStateStorage()
			broadcaster := testutil_replica.BroadcasterCallbacks{}

			rep := replica.New(replica.Options{}, 1, coreutil.ConstantProposer(false), nil, broadcaster, nil, nil, storage, nil)
			rep.Start()
			rep.HandleEvent(core.NewRound{Round: 2})
			Expect(rep.CurrentRound()).To(Equal(core.Round(2)))

			restarted := replica.New(replica.Options{}, 1, coreutil.ConstantProposer(false), nil, broadcaster, nil, nil, storage, nil)
			restarted.Start()
			Expect(restarted.CurrentRound()).To(Equal(core.Round(2)))
			Expect(restarted.CurrentStep()).To(Equal(core.Proposing))
		})

		It("should start clean when the stored state is for another height", func() {
			storage := testutil_replica.NewMockStateStorage()
			broadcaster := testutil_replica.BroadcasterCallbacks{}

			rep := replica.New(replica.Options{}, 1, coreutil.ConstantProposer(false), nil, broadcaster, nil, nil, storage, nil)
			rep.Start()
			rep.HandleEvent(core.NewRound{Round: 5})

			other := replica.New(replica.Options{}, 9, coreutil.ConstantProposer(false), nil, broadcaster, nil, nil, storage, nil)
			other.Start()
			Expect(other.CurrentHeight()).To(Equal(core.Height(9)))
			Expect(other.CurrentRound()).To(Equal(core.Round(0)))
		})
	})

	Context("when journaling events", func() {
		It("should record every applied event and replay them byte-for-byte", func() {
			value := coreutil.RandomValue(r)
			journal := testutil_replica.NewMockJournal()
			broadcaster := testutil_replica.BroadcasterCallbacks{}

			rep := replica.New(replica.Options{}, 1, coreutil.ConstantProposer(false), nil, broadcaster, nil, nil, nil, journal)
			rep.Start()

			events := []core.Event{
				core.ProposalValid{Value: value, Round: 0, ValidRound: core.InvalidRound},
				core.Polka{Value: value, Round: 0},
				core.PolkaAny{Round: 0},
			}
			for _, event := range events {
				rep.HandleEvent(event)
			}

			Expect(journal.Events()).To(Equal(events))
			replayed, err := journal.Replay()
			Expect(err).ToNot(HaveOccurred())
			Expect(reflect.DeepEqual(replayed, events)).To(BeTrue())
		})
	})
})
