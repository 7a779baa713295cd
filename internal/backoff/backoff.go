package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

type Strategy string

const (
	Full         Strategy = "full"
	Equal        Strategy = "equal"
	Decorrelated Strategy = "decorrelated"
	Gaussian     Strategy = "gaussian"
)

// Gaussian draws are clamped to this many standard deviations.
const gaussianSigmas = 3.0

type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64
	Strategy     Strategy
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
		Strategy:     Gaussian,
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Full:
		return Full, nil
	case Equal:
		return Equal, nil
	case Decorrelated:
		return Decorrelated, nil
	case Gaussian, "":
		return Gaussian, nil
	}
	return "", fmt.Errorf("unknown jitter strategy %q", s)
}

// Calculator computes retry delays for a Policy. It is safe for concurrent use.
type Calculator struct {
	policy Policy
}

func NewCalculator(p Policy) *Calculator {
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Strategy == "" {
		p.Strategy = Gaussian
	}
	return &Calculator{policy: p}
}

func (c *Calculator) Policy() Policy {
	return c.policy
}

// Base returns min(initial * multiplier^(attempt-1), max) without jitter.
func (c *Calculator) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	p := c.policy
	if p.InitialDelay <= 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt. previous is the realized
// delay of the prior attempt and only matters for Decorrelated.
func (c *Calculator) Delay(attempt int, previous time.Duration) time.Duration {
	base := c.Base(attempt)
	if c.policy.JitterFactor <= 0 {
		return base
	}
	return ApplyJitter(c.policy.Strategy, base, c.policy.JitterFactor, previous)
}

// sequence returns the realized delays for attempts 1..n, carrying the
// previous delay forward.
func (c *Calculator) sequence(n int) []time.Duration {
	delays := make([]time.Duration, 0, n)
	var prev time.Duration
	for i := 1; i <= n; i++ {
		prev = c.Delay(i, prev)
		delays = append(delays, prev)
	}
	return delays
}

// TotalBase sums the unjittered delays slept across maxAttempts attempts.
func (c *Calculator) TotalBase(maxAttempts int) time.Duration {
	var total time.Duration
	for i := 1; i < maxAttempts; i++ {
		total += c.Base(i)
	}
	return total
}

func ApplyJitter(s Strategy, d time.Duration, factor float64, previous time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	switch s {
	case Full:
		return uniform(0, d)
	case Equal:
		half := d / 2
		return half + uniform(0, d-half)
	case Decorrelated:
		if previous <= 0 {
			previous = d
		}
		return uniform(d, max(d, previous*3))
	default:
		z := math.Max(-gaussianSigmas, math.Min(gaussianSigmas, rand.NormFloat64()))
		jittered := float64(d) + z*factor*float64(d)
		if jittered < 0 {
			return 0
		}
		return time.Duration(jittered)
	}
}

// Bounds returns the inclusive range ApplyJitter can produce.
func Bounds(s Strategy, d time.Duration, factor float64, previous time.Duration) (time.Duration, time.Duration) {
	if d <= 0 {
		return 0, 0
	}
	switch s {
	case Full:
		return 0, d
	case Equal:
		return d / 2, d
	case Decorrelated:
		if previous <= 0 {
			previous = d
		}
		return d, max(d, previous*3)
	default:
		spread := time.Duration(math.Ceil(gaussianSigmas * factor * float64(d)))
		return max(0, d-spread), d + spread
	}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}
