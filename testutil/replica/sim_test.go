package testutil_replica_test

import (
	"math/rand"
	"reflect"
	"time"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/coreutil"
	testutil_replica "github.com/renproject/helm/testutil/replica"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tally", func() {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	Context("when inserting prevotes", func() {
		It("should classify a value polka exactly once", func() {
			value := coreutil.RandomValue(r)
			tally := testutil_replica.NewTally(1)

			events := []core.Event{}
			for pid := 0; pid < 3; pid++ {
				prevote := core.Prevote{Height: 1, Round: 0, Value: value}
				events = append(events, tally.InsertPrevote(testutil_replica.Pid(pid), prevote, 0)...)
			}
			Expect(events).To(ContainElement(core.Polka{Value: value, Round: 0}))
			Expect(events).To(ContainElement(core.PolkaAny{Round: 0}))

			// A fourth prevote opens nothing new.
			prevote := core.Prevote{Height: 1, Round: 0, Value: value}
			Expect(tally.InsertPrevote(testutil_replica.Pid(3), prevote, 0)).To(BeEmpty())
		})

		It("should classify a nil polka", func() {
			tally := testutil_replica.NewTally(1)
			events := []core.Event{}
			for pid := 0; pid < 3; pid++ {
				prevote := core.Prevote{Height: 1, Round: 0, Value: core.NilValue}
				events = append(events, tally.InsertPrevote(testutil_replica.Pid(pid), prevote, 0)...)
			}
			Expect(events).To(ContainElement(core.PolkaNil{Round: 0}))
		})

		It("should ignore duplicate senders", func() {
			value := coreutil.RandomValue(r)
			tally := testutil_replica.NewTally(1)
			for i := 0; i < 10; i++ {
				prevote := core.Prevote{Height: 1, Round: 0, Value: value}
				Expect(tally.InsertPrevote(0, prevote, 0)).To(BeEmpty())
			}
		})
	})

	Context("when inserting precommits", func() {
		It("should classify a precommit quorum exactly once", func() {
			value := coreutil.RandomValue(r)
			tally := testutil_replica.NewTally(1)

			events := []core.Event{}
			for pid := 0; pid < 3; pid++ {
				precommit := core.Precommit{Height: 1, Round: 0, Value: value}
				events = append(events, tally.InsertPrecommit(testutil_replica.Pid(pid), precommit, 0)...)
			}
			Expect(events).To(ContainElement(core.Commit{Value: value, Round: 0}))
			Expect(events).To(ContainElement(core.CommitAny{Round: 0}))
		})
	})

	Context("when messages arrive from a future round", func() {
		It("should classify f+1 distinct senders as round-skip evidence, once", func() {
			value := coreutil.RandomValue(r)
			tally := testutil_replica.NewTally(1)

			prevote := core.Prevote{Height: 1, Round: 5, Value: value}
			Expect(tally.InsertPrevote(0, prevote, 0)).To(BeEmpty())
			events := tally.InsertPrevote(1, prevote, 0)
			Expect(events).To(ContainElement(core.NewRound{Round: 5}))

			precommit := core.Precommit{Height: 1, Round: 5, Value: value}
			Expect(tally.InsertPrecommit(2, precommit, 0)).To(BeEmpty())
		})
	})
})

var _ = Describe("Network", func() {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	Context("when running honest networks", func() {
		It("should decide at every instance, on the same value", func() {
			for _, f := range []int{1, 2, 3} {
				seed := r.Int63()
				net := testutil_replica.NewNetwork(f, seed)
				Expect(net.Run(100000)).To(BeTrue())

				decisions := net.Decisions()
				Expect(decisions).To(HaveLen(3*f + 1))
				var first core.Decision
				for _, decision := range decisions {
					first = decision
					break
				}
				for _, decision := range decisions {
					Expect(decision.Value.Equal(first.Value)).To(BeTrue())
					Expect(decision.Height).To(Equal(first.Height))
				}
			}
		})
	})

	Context("when running the same seed twice", func() {
		It("should produce identical traces and decisions", func() {
			seed := r.Int63()
			net1 := testutil_replica.NewNetwork(1, seed)
			net2 := testutil_replica.NewNetwork(1, seed)
			Expect(net1.Run(100000)).To(BeTrue())
			Expect(net2.Run(100000)).To(BeTrue())

			Expect(reflect.DeepEqual(net1.Traces(), net2.Traces())).To(BeTrue())
			Expect(reflect.DeepEqual(net1.Decisions(), net2.Decisions())).To(BeTrue())
		})
	})

	Context("when running different seeds", func() {
		It("should still agree within each run", func() {
			for i := 0; i < 8; i++ {
				net := testutil_replica.NewNetwork(1, r.Int63())
				Expect(net.Run(100000)).To(BeTrue())

				decisions := net.Decisions()
				var first core.Decision
				for _, decision := range decisions {
					first = decision
					break
				}
				for _, decision := range decisions {
					Expect(decision.Value.Equal(first.Value)).To(BeTrue())
					Expect(decision.Round).To(Equal(first.Round))
				}
			}
		})
	})
})
