package core_test

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing/quick"
	"time"

	"github.com/renproject/helm/core"
	"github.com/renproject/helm/coreutil"
	"github.com/renproject/surge"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("State", func() {

	Context("when unmarshaling fuzz", func() {
		It("should not panic", func() {
			f := func(fuzz []byte) bool {
				state := core.State{}
				surge.FromBinary(fuzz, &state)
				return true
			}
			Expect(quick.Check(f, nil)).To(Succeed())
		})
	})

	Context("when marshaling and then unmarshaling", func() {
		It("should equal itself", func() {
			r := rand.New(rand.NewSource(time.Now().UnixNano()))
			f := func() bool {
				expected := coreutil.RandomState(r)
				data, err := surge.ToBinary(expected)
				Expect(err).ToNot(HaveOccurred())
				got := core.State{}
				Expect(surge.FromBinary(data, &got)).ToNot(HaveOccurred())
				Expect(got.Equal(&expected)).To(BeTrue())
				return true
			}
			Expect(quick.Check(f, nil)).To(Succeed())
		})
	})
})

var _ = Describe("Events and Messages", func() {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	Context("when marshaling and then unmarshaling events", func() {
		It("should equal themselves", func() {
			f := func() bool {
				values := []core.Value{coreutil.RandomValue(r)}
				for _, expected := range coreutil.RandomEvents(r, coreutil.RandomHeight(r), 20, values) {
					buf := new(bytes.Buffer)
					_, err := core.MarshalEvent(expected, buf, surge.MaxBytes)
					Expect(err).ToNot(HaveOccurred())
					got, _, err := core.UnmarshalEvent(buf, surge.MaxBytes)
					Expect(err).ToNot(HaveOccurred())
					Expect(reflect.DeepEqual(got, expected)).To(BeTrue())
				}
				return true
			}
			Expect(quick.Check(f, &quick.Config{MaxCount: 20})).To(Succeed())
		})
	})

	Context("when marshaling and then unmarshaling messages", func() {
		It("should equal themselves", func() {
			f := func() bool {
				height := coreutil.RandomHeight(r)
				round := coreutil.RandomRound(r)
				value := coreutil.RandomValue(r)
				msgs := []core.Message{
					core.Propose{Height: height, Round: round, Value: value, ValidRound: core.InvalidRound},
					core.Prevote{Height: height, Round: round, Value: value},
					core.Precommit{Height: height, Round: round, Value: core.NilValue},
					core.ScheduleTimeout{Kind: core.TimeoutKindPrevote, Height: height, Round: round},
					core.Decision{Height: height, Round: round, Value: value},
				}
				for _, expected := range msgs {
					buf := new(bytes.Buffer)
					_, err := core.MarshalMessage(expected, buf, surge.MaxBytes)
					Expect(err).ToNot(HaveOccurred())
					got, _, err := core.UnmarshalMessage(buf, surge.MaxBytes)
					Expect(err).ToNot(HaveOccurred())
					Expect(reflect.DeepEqual(got, expected)).To(BeTrue())
				}
				return true
			}
			Expect(quick.Check(f, &quick.Config{MaxCount: 20})).To(Succeed())
		})
	})

	Context("when unmarshaling an unknown type tag", func() {
		It("should return an error", func() {
			buf := new(bytes.Buffer)
			_, err := surge.Marshal(buf, uint64(255), surge.MaxBytes)
			Expect(err).ToNot(HaveOccurred())
			_, _, err = core.UnmarshalEvent(bytes.NewReader(buf.Bytes()), surge.MaxBytes)
			Expect(err).To(HaveOccurred())
			_, _, err = core.UnmarshalMessage(bytes.NewReader(buf.Bytes()), surge.MaxBytes)
			Expect(err).To(HaveOccurred())
		})
	})
})
