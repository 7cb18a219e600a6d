package stream

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	firstDelayMin = time.Second
	firstDelayMax = 5 * time.Second
	delayFloor    = 1920 * time.Millisecond
	delayFactor   = 1.618
	delayCeiling  = 60 * time.Second
)

// Delay is the reconnect backoff: a random first wait in [1s, 5s), then geometric growth
// from a 1.92s floor by 1.618 per attempt, capped at 60s. Reset restarts the sequence.
type Delay struct {
	mu      sync.Mutex
	rand    func() float64
	attempt int
	current time.Duration
}

var _ backoff.BackOff = (*Delay)(nil)

// NewDelay returns a delay sequence in its initial state.
func NewDelay() *Delay {
	return &Delay{rand: rand.Float64}
}

// NextBackOff returns the wait before the next attempt.
func (d *Delay) NextBackOff() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempt++
	if d.attempt == 1 {
		return firstDelayMin + time.Duration(d.rand()*float64(firstDelayMax-firstDelayMin))
	}
	if d.current == 0 {
		d.current = delayFloor
	}
	d.current = time.Duration(float64(d.current) * delayFactor)
	if d.current > delayCeiling {
		d.current = delayCeiling
	}
	return d.current
}

// Reset returns the sequence to its first, randomised delay.
func (d *Delay) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempt = 0
	d.current = 0
}

// continuing hides Reset from backoff.Retry, which resets its policy on entry. The Runner
// resets the delay itself once a connection is re-established.
type continuing struct {
	backoff.BackOff
}

func (continuing) Reset() {}

// ReconnectionState describes an outage of a managed connection.
type ReconnectionState struct {
	Attempts int
	Reason   error
	Since    time.Time
	Delay    time.Duration
}
