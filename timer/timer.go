// Package timer schedules the wall-clock side of the symbolic timeout
// requests emitted by the consensus core. The core only ever names the kind
// of timeout it wants; how long a round is given is a policy decision that
// lives here. Fired timeouts are delivered on per-kind channels, and the
// owner is expected to turn them back into Timeout Events for the core. No
// cancellation is needed: the core ignores timeouts for rounds it has already
// surpassed.
package timer

import (
	"math"
	"time"

	"github.com/renproject/helm/core"
)

// A Timeout identifies the Height and Round for which a scheduled timeout has
// fired. The kind is implied by the channel on which it is delivered.
type Timeout struct {
	Height core.Height
	Round  core.Round
}

// Options define the base duration and per-round growth of timeouts.
type Options struct {
	Timeout        time.Duration
	TimeoutScaling float64
}

// DefaultOptions returns Options with sane defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:        20 * time.Second,
		TimeoutScaling: 0.5,
	}
}

// WithTimeout returns Options with the base timeout set to the given
// duration.
func (opts Options) WithTimeout(timeout time.Duration) Options {
	opts.Timeout = timeout
	return opts
}

// WithTimeoutScaling returns Options with the per-round scaling set to the
// given factor.
func (opts Options) WithTimeoutScaling(timeoutScaling float64) Options {
	opts.TimeoutScaling = timeoutScaling
	return opts
}

// A LinearTimer grows timeouts linearly with the round: a round r timeout
// lasts timeout + timeout*scaling*r.
type LinearTimer struct {
	opts               Options
	onTimeoutPropose   chan<- Timeout
	onTimeoutPrevote   chan<- Timeout
	onTimeoutPrecommit chan<- Timeout
}

// NewLinearTimer returns a LinearTimer that delivers fired timeouts to the
// given channels. A nil channel disables its kind.
func NewLinearTimer(opts Options, onTimeoutPropose, onTimeoutPrevote, onTimeoutPrecommit chan<- Timeout) *LinearTimer {
	return &LinearTimer{
		opts:               opts,
		onTimeoutPropose:   onTimeoutPropose,
		onTimeoutPrevote:   onTimeoutPrevote,
		onTimeoutPrecommit: onTimeoutPrecommit,
	}
}

// TimeoutPropose schedules a propose timeout for the given Height and Round.
func (t *LinearTimer) TimeoutPropose(height core.Height, round core.Round) {
	schedule(t.onTimeoutPropose, t.DurationAtRound(round), height, round)
}

// TimeoutPrevote schedules a prevote timeout for the given Height and Round.
func (t *LinearTimer) TimeoutPrevote(height core.Height, round core.Round) {
	schedule(t.onTimeoutPrevote, t.DurationAtRound(round), height, round)
}

// TimeoutPrecommit schedules a precommit timeout for the given Height and
// Round.
func (t *LinearTimer) TimeoutPrecommit(height core.Height, round core.Round) {
	schedule(t.onTimeoutPrecommit, t.DurationAtRound(round), height, round)
}

// DurationAtRound returns the duration that a timeout scheduled at the given
// Round will last.
func (t *LinearTimer) DurationAtRound(round core.Round) time.Duration {
	return t.opts.Timeout + time.Duration(float64(t.opts.Timeout)*t.opts.TimeoutScaling*float64(round))
}

// A BackOffTimer grows timeouts exponentially with the round: a round r
// timeout lasts base*exp^r, capped at max. It is the policy to prefer when
// rounds are expected to fail because of network-wide partitions rather than
// a slow proposer.
type BackOffTimer struct {
	exp  float64
	base time.Duration
	max  time.Duration

	onTimeoutPropose   chan<- Timeout
	onTimeoutPrevote   chan<- Timeout
	onTimeoutPrecommit chan<- Timeout
}

// NewBackOffTimer returns a BackOffTimer that delivers fired timeouts to the
// given channels. A nil channel disables its kind.
func NewBackOffTimer(exp float64, base, max time.Duration, onTimeoutPropose, onTimeoutPrevote, onTimeoutPrecommit chan<- Timeout) *BackOffTimer {
	return &BackOffTimer{
		exp:                exp,
		base:               base,
		max:                max,
		onTimeoutPropose:   onTimeoutPropose,
		onTimeoutPrevote:   onTimeoutPrevote,
		onTimeoutPrecommit: onTimeoutPrecommit,
	}
}

// TimeoutPropose schedules a propose timeout for the given Height and Round.
func (t *BackOffTimer) TimeoutPropose(height core.Height, round core.Round) {
	schedule(t.onTimeoutPropose, t.DurationAtRound(round), height, round)
}

// TimeoutPrevote schedules a prevote timeout for the given Height and Round.
func (t *BackOffTimer) TimeoutPrevote(height core.Height, round core.Round) {
	schedule(t.onTimeoutPrevote, t.DurationAtRound(round), height, round)
}

// TimeoutPrecommit schedules a precommit timeout for the given Height and
// Round.
func (t *BackOffTimer) TimeoutPrecommit(height core.Height, round core.Round) {
	schedule(t.onTimeoutPrecommit, t.DurationAtRound(round), height, round)
}

// DurationAtRound returns the duration that a timeout scheduled at the given
// Round will last.
func (t *BackOffTimer) DurationAtRound(round core.Round) time.Duration {
	duration := time.Duration(float64(t.base) * math.Pow(t.exp, float64(round)))
	if duration > t.max || duration <= 0 {
		return t.max
	}
	return duration
}

func schedule(ch chan<- Timeout, duration time.Duration, height core.Height, round core.Round) {
	if ch == nil {
		return
	}
	go func() {
		time.Sleep(duration)
		ch <- Timeout{Height: height, Round: round}
	}()
}
