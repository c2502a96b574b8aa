package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Policy computes the delay before the next restart given how many consecutive
// failed restarts preceded it (0 for the first).
type Policy interface {
	Delay(failures int) time.Duration
}

// Backoff types accepted by NewPolicy.
const (
	TypeNone        = "none"
	TypeConstant    = "constant"
	TypeExponential = "exponential"
)

type noBackoff struct{}

func (noBackoff) Delay(int) time.Duration { return 0 }

// None retries on every opportunity without waiting.
func None() Policy { return noBackoff{} }

type constantBackoff struct {
	delay time.Duration
}

func (c constantBackoff) Delay(int) time.Duration { return c.delay }

// Constant waits the same delay before every retry.
func Constant(delay time.Duration) Policy { return constantBackoff{delay: delay} }

type exponentialBackoff struct {
	initial time.Duration
	max     time.Duration
}

// Exponential doubles the delay after each consecutive failure, capped at max.
// A max <= 0 means uncapped.
func Exponential(initial, max time.Duration) Policy {
	return exponentialBackoff{initial: initial, max: max}
}

func (e exponentialBackoff) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := float64(e.initial) * math.Pow(2, float64(failures))
	// float64(MaxInt64) rounds up to 2^63, which overflows Duration
	if d >= math.MaxInt64 {
		if e.max > 0 {
			return e.max
		}
		return time.Duration(math.MaxInt64)
	}
	delay := time.Duration(d)
	if e.max > 0 && delay > e.max {
		delay = e.max
	}
	return delay
}

// NewPolicy builds a Policy by name. An empty name means none.
func NewPolicy(kind string, initial, max time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TypeNone:
		return None(), nil
	case TypeConstant:
		if initial <= 0 {
			return nil, fmt.Errorf("constant backoff requires a positive initial delay")
		}
		return Constant(initial), nil
	case TypeExponential:
		if initial <= 0 {
			return nil, fmt.Errorf("exponential backoff requires a positive initial delay")
		}
		if max > 0 && max < initial {
			return nil, fmt.Errorf("exponential backoff max %s is below initial %s", max, initial)
		}
		return Exponential(initial, max), nil
	default:
		return nil, fmt.Errorf("unknown backoff type %q", kind)
	}
}
