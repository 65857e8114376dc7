package helm_test

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/renproject/helm"
	"github.com/renproject/helm/core"
	"github.com/renproject/helm/coreutil"
	"github.com/renproject/helm/replica"
	testutil_replica "github.com/renproject/helm/testutil/replica"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func RandomLane() helm.Lane {
	lane := helm.Lane{}
	if _, err := rand.Read(lane[:]); err != nil {
		panic(fmt.Sprintf("cannot create random lane, err = %v", err))
	}
	return lane
}

var _ = Describe("Helm", func() {
	r := mrand.New(mrand.NewSource(time.Now().UnixNano()))

	newLane := func(value core.Value) (*replica.Replica, *[]core.Message) {
		broadcast := &[]core.Message{}
		broadcaster := testutil_replica.BroadcasterCallbacks{
			BroadcastProposeCallback: func(propose core.Propose) { *broadcast = append(*broadcast, propose) },
			BroadcastPrevoteCallback: func(prevote core.Prevote) { *broadcast = append(*broadcast, prevote) },
		}
		proposer := testutil_replica.ProposerCallback(func(core.Height, core.Round) core.Value {
			return value
		})
		rep := replica.New(replica.Options{}, 1, coreutil.NewRoundRobin(1, 0), proposer, broadcaster, nil, nil, nil, nil)
		return rep, broadcast
	}

	Context("when starting", func() {
		It("should start every replica", func() {
			value1, value2 := coreutil.RandomValue(r), coreutil.RandomValue(r)
			lane1, lane2 := RandomLane(), RandomLane()
			rep1, broadcast1 := newLane(value1)
			rep2, broadcast2 := newLane(value2)

			hlm := helm.New(map[helm.Lane]*replica.Replica{
				lane1: rep1,
				lane2: rep2,
			})
			hlm.Start()

			Expect(*broadcast1).To(Equal([]core.Message{
				core.Propose{Height: 1, Round: 0, Value: value1, ValidRound: core.InvalidRound},
			}))
			Expect(*broadcast2).To(Equal([]core.Message{
				core.Propose{Height: 1, Round: 0, Value: value2, ValidRound: core.InvalidRound},
			}))
		})
	})

	Context("when handling events", func() {
		It("should route events to the replica of the lane", func() {
			value1, value2 := coreutil.RandomValue(r), coreutil.RandomValue(r)
			lane1, lane2 := RandomLane(), RandomLane()
			rep1, broadcast1 := newLane(value1)
			rep2, broadcast2 := newLane(value2)

			hlm := helm.New(map[helm.Lane]*replica.Replica{
				lane1: rep1,
				lane2: rep2,
			})
			hlm.Start()

			hlm.HandleEvent(lane1, core.ProposalValid{Value: value1, Round: 0, ValidRound: core.InvalidRound})
			Expect((*broadcast1)[len(*broadcast1)-1]).To(Equal(core.Prevote{Height: 1, Round: 0, Value: value1}))
			Expect(*broadcast2).To(HaveLen(1))
		})

		It("should drop events for unknown lanes", func() {
			value := coreutil.RandomValue(r)
			lane := RandomLane()
			rep, _ := newLane(value)

			hlm := helm.New(map[helm.Lane]*replica.Replica{lane: rep})
			hlm.Start()
			hlm.HandleEvent(RandomLane(), core.PolkaAny{Round: 0})
		})
	})
})
