// Package retry implements the Retry Executor (spec.md §4.1): it runs a
// unit of work under a RetryPolicy, classifying errors as transient or
// fatal and applying fixed/linear/exponential backoff with jitter. The
// delay schedule is computed by policyBackOff, which implements
// github.com/cenkalti/backoff/v4's BackOff interface; the interruptible,
// context-aware sleep between attempts is a timer select in Execute.
package retry

import (
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

var _ backoff.BackOff = (*policyBackOff)(nil)

// policyBackOff adapts a v1.RetryPolicy to backoff.BackOff, implementing
// the exact delay formulas from spec.md §4.1 rather than the library's
// own (different) exponential schedule.
type policyBackOff struct {
	policy  v1.RetryPolicy
	attempt int
	rng     *rand.Rand
}

func newPolicyBackOff(policy v1.RetryPolicy) *policyBackOff {
	return &policyBackOff{policy: policy, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NextBackOff implements backoff.BackOff.
func (b *policyBackOff) NextBackOff() time.Duration {
	delay := b.baseDelayForAttempt(b.attempt)
	b.attempt++
	return b.jitter(delay)
}

// Reset implements backoff.BackOff.
func (b *policyBackOff) Reset() { b.attempt = 0 }

func (b *policyBackOff) baseDelayForAttempt(a int) time.Duration {
	base := b.policy.BaseDelay
	max := b.policy.MaxDelay
	switch b.policy.Strategy {
	case v1.RetryStrategyLinear:
		d := base * time.Duration(a+1)
		return clampDuration(d, max)
	case v1.RetryStrategyExponential:
		d := base * (1 << uint(a))
		return clampDuration(d, max)
	default: // fixed
		return base
	}
}

func clampDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func (b *policyBackOff) jitter(d time.Duration) time.Duration {
	jf := b.policy.JitterFactor
	if jf <= 0 {
		return d
	}
	span := float64(d) * jf
	delta := (b.rng.Float64()*2 - 1) * span
	out := time.Duration(float64(d) + delta)
	if out < 0 {
		return 0
	}
	return out
}

// transientSubstrings are matched case-insensitively against a generic
// error's message when it is not one of the typed transport errors, per
// spec.md §4.1's classification rule.
var transientSubstrings = []string{"connection", "timeout", "timed out"}

// ClassifyTransient is the default classify_exception predicate: it
// recognizes the engine's own transport error family (via errors.Is) plus
// a message-substring fallback for generic invalid-operation errors.
func ClassifyTransient(err error) bool {
	if err == nil {
		return false
	}
	if v1.IsTransportError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
