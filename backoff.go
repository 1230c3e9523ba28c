package isoeth

import "time"

// pollBackoff returns the backoff used by blocking reads waiting on the
// controller: it starts at a millisecond, the maintenance tick period, and
// settles at 20ms while idle.
func pollBackoff() exponentialBackoff {
	return exponentialBackoff{
		StartWait: time.Millisecond,
		Wait:      time.Millisecond,
		MaxWait:   20 * time.Millisecond,
	}
}

// exponentialBackoff implements a [Exponential Backoff]
// delay algorithm to prevent saturating the bus or processor
// with polling. An exponentialBackoff with a non-zero MaxWait is ready for use.
//
// [Exponential Backoff]: https://en.wikipedia.org/wiki/Exponential_backoff
type exponentialBackoff struct {
	// Wait defines the amount of time that Miss will wait on next call.
	Wait time.Duration
	// Maximum allowable value for Wait.
	MaxWait time.Duration
	// StartWait is the value that Wait takes after a call to Hit.
	StartWait time.Duration
	// ExpMinusOne is the shift performed on Wait minus one, so the zero value performs a shift of 1.
	ExpMinusOne uint32
}

// Hit sets eb.Wait to the StartWait value.
func (eb *exponentialBackoff) Hit() {
	if eb.MaxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	eb.Wait = eb.StartWait
}

// Miss sleeps for eb.Wait and increases eb.Wait exponentially.
func (eb *exponentialBackoff) Miss() {
	time.Sleep(eb.next())
}

// next returns the current wait and advances it.
func (eb *exponentialBackoff) next() time.Duration {
	const k = 1
	wait := eb.Wait
	maxWait := eb.MaxWait
	exp := eb.ExpMinusOne + 1
	if maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	next := wait | time.Duration(k)
	next <<= exp
	if next > maxWait {
		next = maxWait
	}
	eb.Wait = next
	return wait
}
