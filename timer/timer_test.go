package timer_test

import (
	"time"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/timer"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("LinearTimer", func() {

	Context("when computing durations", func() {
		It("should grow linearly with the round", func() {
			opts := timer.DefaultOptions().WithTimeout(10 * time.Second).WithTimeoutScaling(0.5)
			t := timer.NewLinearTimer(opts, nil, nil, nil)
			Expect(t.DurationAtRound(0)).To(Equal(10 * time.Second))
			Expect(t.DurationAtRound(1)).To(Equal(15 * time.Second))
			Expect(t.DurationAtRound(4)).To(Equal(30 * time.Second))
		})

		It("should stay constant when the scaling is zero", func() {
			opts := timer.DefaultOptions().WithTimeout(10 * time.Second).WithTimeoutScaling(0)
			t := timer.NewLinearTimer(opts, nil, nil, nil)
			Expect(t.DurationAtRound(100)).To(Equal(10 * time.Second))
		})
	})

	Context("when scheduling timeouts", func() {
		It("should deliver the fired timeout on the matching channel", func() {
			opts := timer.
				DefaultOptions().
				WithTimeout(10 * time.Millisecond).
				WithTimeoutScaling(0)
			onProposeTimeoutChan := make(chan timer.Timeout, 1)
			onPrevoteTimeoutChan := make(chan timer.Timeout, 1)
			t := timer.NewLinearTimer(opts, onProposeTimeoutChan, onPrevoteTimeoutChan, nil)

			t.TimeoutPropose(core.Height(1), core.Round(3))
			timeout := <-onProposeTimeoutChan
			Expect(timeout.Height).To(Equal(core.Height(1)))
			Expect(timeout.Round).To(Equal(core.Round(3)))

			t.TimeoutPrevote(core.Height(1), core.Round(3))
			timeout = <-onPrevoteTimeoutChan
			Expect(timeout.Height).To(Equal(core.Height(1)))
			Expect(timeout.Round).To(Equal(core.Round(3)))
		})

		It("should drop timeouts for kinds without a channel", func() {
			opts := timer.DefaultOptions().WithTimeout(time.Millisecond).WithTimeoutScaling(0)
			t := timer.NewLinearTimer(opts, nil, nil, nil)
			t.TimeoutPrecommit(core.Height(1), core.Round(0))
		})
	})
})

var _ = Describe("BackOffTimer", func() {

	Context("when computing durations", func() {
		It("should grow exponentially with the round and cap at the maximum", func() {
			t := timer.NewBackOffTimer(2.0, time.Second, 10*time.Second, nil, nil, nil)
			Expect(t.DurationAtRound(0)).To(Equal(time.Second))
			Expect(t.DurationAtRound(1)).To(Equal(2 * time.Second))
			Expect(t.DurationAtRound(2)).To(Equal(4 * time.Second))
			Expect(t.DurationAtRound(10)).To(Equal(10 * time.Second))
		})
	})

	Context("when scheduling timeouts", func() {
		It("should deliver the fired timeout on the matching channel", func() {
			onPrecommitTimeoutChan := make(chan timer.Timeout, 1)
			t := timer.NewBackOffTimer(1.6, time.Millisecond, time.Second, nil, nil, onPrecommitTimeoutChan)

			t.TimeoutPrecommit(core.Height(7), core.Round(0))
			timeout := <-onPrecommitTimeoutChan
			Expect(timeout.Height).To(Equal(core.Height(7)))
			Expect(timeout.Round).To(Equal(core.Round(0)))
		})
	})
})
