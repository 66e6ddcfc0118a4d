package supervisor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides whether and when the respawn loop launches again.
// Policies see only how many launches have ended: a crash and a clean exit
// are treated the same way.
type RetryPolicy interface {
	// BackOff returns a fresh schedule for one respawn loop. NextBackOff is
	// called once per ended launch; backoff.Stop ends the loop.
	BackOff() backoff.BackOff
}

type immediate struct{}

func (immediate) BackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }
func (immediate) String() string           { return "immediate" }

// Immediate relaunches at once, forever.
func Immediate() RetryPolicy {
	return immediate{}
}

type fixedDelay time.Duration

func (d fixedDelay) BackOff() backoff.BackOff { return backoff.NewConstantBackOff(time.Duration(d)) }
func (d fixedDelay) String() string           { return "fixed(" + time.Duration(d).String() + ")" }

// FixedDelay waits d before every relaunch, forever.
func FixedDelay(d time.Duration) RetryPolicy {
	return fixedDelay(d)
}

type exponential struct {
	initial time.Duration
	max     time.Duration
}

func (e exponential) BackOff() backoff.BackOff {
	ceiling := e.max
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.initial),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(ceiling),
		backoff.WithMaxElapsedTime(0),
	)
}

func (e exponential) String() string {
	return fmt.Sprintf("exponential(%s..%s)", e.initial, e.max)
}

// ExponentialBackoff waits initial after the first launch and doubles the
// delay after each further one, capped at maxDelay (0 means no cap).
func ExponentialBackoff(initial, maxDelay time.Duration) RetryPolicy {
	return exponential{initial: initial, max: maxDelay}
}

type maxAttempts struct {
	RetryPolicy
	n int
}

// BackOff allows n-1 relaunches after the first launch.
func (m maxAttempts) BackOff() backoff.BackOff {
	return backoff.WithMaxRetries(m.RetryPolicy.BackOff(), uint64(m.n-1))
}

func (m maxAttempts) String() string {
	return fmt.Sprintf("%v, at most %d launches", m.RetryPolicy, m.n)
}

// WithMaxAttempts stops p after n launches in total. n <= 0 leaves p unbounded.
func WithMaxAttempts(p RetryPolicy, n int) RetryPolicy {
	if n <= 0 {
		return p
	}
	return maxAttempts{RetryPolicy: p, n: n}
}

// ParsePolicy builds a policy from its command-line name.
func ParsePolicy(name string, delay, maxDelay time.Duration, attempts int) (RetryPolicy, error) {
	var p RetryPolicy
	switch strings.ToLower(name) {
	case "", "immediate":
		p = Immediate()
	case "fixed":
		if delay <= 0 {
			return nil, fmt.Errorf("fixed restart policy needs a positive delay")
		}
		p = FixedDelay(delay)
	case "exponential", "backoff":
		if delay <= 0 {
			return nil, fmt.Errorf("exponential restart policy needs a positive initial delay")
		}
		if maxDelay > 0 && maxDelay < delay {
			return nil, fmt.Errorf("max delay %s is below initial delay %s", maxDelay, delay)
		}
		p = ExponentialBackoff(delay, maxDelay)
	default:
		return nil, fmt.Errorf("unknown restart policy %q (want immediate, fixed or exponential)", name)
	}
	return WithMaxAttempts(p, attempts), nil
}
