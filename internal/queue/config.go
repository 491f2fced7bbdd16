package queue

import (
	"math/rand/v2"
	"time"
)

// QueueConfig governs retry scheduling and egress labelling for one named
// queue. The retry tiers take the delays of chasquid's own flat-queue
// nextDelay schedule but index them by the number of prior attempts
// rather than by age (no prior attempts: retry in a minute; one: in five;
// two: in ten; three or more: in twenty minutes, each with up to a minute
// of jitter to avoid
// synchronized retry storms), generalized here to operate per-named-queue instead of globally, and
// split into the two pure functions a recovering spool needs: how many
// attempts a message of a given age implies, and what its next delay
// should be.
type QueueConfig struct {
	// GiveUpAfter is the maximum age a message may reach before it is
	// expired instead of retried.
	GiveUpAfter time.Duration

	// EgressPool and EgressSource are copied into the disposition records
	// of this queue's delivery attempts; couriers do not read them.
	EgressPool   string
	EgressSource string

	// MaxConcurrentAttempts bounds the number of deliveries this queue
	// will attempt at once.
	MaxConcurrentAttempts int
}

// DefaultQueueConfig matches chasquid's original single-queue behavior.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		GiveUpAfter:           20 * time.Hour,
		MaxConcurrentAttempts: 8,
	}
}

var retryTiers = []struct {
	upto  time.Duration
	delay time.Duration
}{
	{time.Minute, time.Minute},
	{5 * time.Minute, 5 * time.Minute},
	{10 * time.Minute, 10 * time.Minute},
}

const defaultRetryDelay = 20 * time.Minute

// baseDelayForAttempt returns the un-jittered retry delay after the given
// number of prior attempts.
func baseDelayForAttempt(numAttempts int) time.Duration {
	for _, tier := range retryTiers {
		if numAttempts <= 0 {
			return tier.delay
		}
		numAttempts--
	}
	return defaultRetryDelay
}

func jitter() time.Duration {
	return rand.N(60 * time.Second)
}

// InferNumAttempts estimates how many attempts a message would have
// accumulated by now given its age, for messages recovered from the spool
// whose in-memory attempt counter was lost (e.g. across a restart where
// the counter was never persisted, or was persisted by an older binary).
// It walks the same retry schedule ComputeDelayBasedOnAge uses, without
// jitter, so the two stay consistent.
func InferNumAttempts(age time.Duration) int {
	n := 0
	elapsed := time.Duration(0)
	for elapsed < age {
		elapsed += baseDelayForAttempt(n)
		n++
		if n > 100000 {
			// Guard against pathological inputs; this many attempts
			// would already be far past any reasonable GiveUpAfter.
			break
		}
	}
	return n
}

// ComputeDelayBasedOnAge returns the delay to wait before the next
// attempt, given the message has already made numAttempts attempts and
// has reached the given age. ok is false if the message has exceeded
// cfg.GiveUpAfter and should be expired instead of retried.
func (cfg QueueConfig) ComputeDelayBasedOnAge(numAttempts int, age time.Duration) (delay time.Duration, ok bool) {
	if cfg.GiveUpAfter > 0 && age >= cfg.GiveUpAfter {
		return 0, false
	}
	return baseDelayForAttempt(numAttempts) + jitter(), true
}
