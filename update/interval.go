// Package update defines the node's periodic intervals and the retry backoff
// used when announcing to the directory fails.
package update

import (
	"fmt"
	"time"
)

// Interval is a periodic task interval. The values are primes so that tasks
// on different intervals rarely fire together.
type Interval int

const (
	Fast   Interval = 5  // 5s - path keepalive pings
	Medium Interval = 23 // 23s - peer cache refresh
	Slow   Interval = 59 // 59s - directory re-announce
)

// Seconds returns interval in seconds. Panics on invalid value.
func (i Interval) Seconds() int {
	switch i {
	case Fast, Medium, Slow:
		return int(i)
	default:
		panic(fmt.Sprintf("invalid update.Interval: %d (must be Fast/Medium/Slow)", i))
	}
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds()) * time.Second
}

// String returns string representation.
func (i Interval) String() string {
	switch i {
	case Fast:
		return "Fast(5s)"
	case Medium:
		return "Medium(23s)"
	case Slow:
		return "Slow(59s)"
	default:
		return fmt.Sprintf("Invalid(%d)", i)
	}
}

var backoffPrimes = []int{1, 2, 3, 5, 11, 23, 47, 61}

// Backoff walks the prime retry sequence, capped at Slow.
type Backoff struct {
	index int
	// Unit scales each step; zero means one second.
	Unit time.Duration
}

// Next returns the next wait and advances the sequence.
func (b *Backoff) Next() time.Duration {
	unit := b.Unit
	if unit == 0 {
		unit = time.Second
	}
	sec := int(Slow)
	if b.index < len(backoffPrimes) && backoffPrimes[b.index] < sec {
		sec = backoffPrimes[b.index]
	}
	b.index++
	return time.Duration(sec) * unit
}

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() {
	b.index = 0
}

// Attempts is the number of waits handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.index
}
