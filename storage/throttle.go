package storage

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
)

// Decision is what intake does with a crash.
type Decision int

const (
	// Accept stores the crash and queues it for processing.
	Accept Decision = iota
	// Defer stores the crash without queueing it.
	Defer
	// Reject drops the crash.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Defer:
		return "defer"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// ThrottleRule matches one metadata field. Key may be dotted to reach into
// nested objects. An empty Pattern matches any present value.
type ThrottleRule struct {
	Key        string
	Pattern    string
	Percentage float64
	// Reject drops matching crashes instead of deferring them when the
	// sample misses.
	Reject bool

	re *regexp.Regexp
}

type ThrottleConfig struct {
	Rules []ThrottleRule
	// DefaultPercentage applies when no rule matches.
	DefaultPercentage float64
	// MinimumRate raises any percentage below it.
	MinimumRate float64
	// Rand returns a value in [0, 100). Nil uses math/rand.
	Rand func() float64
}

// Throttler samples incoming crashes by percentage, optionally keyed by a
// metadata field.
type Throttler struct {
	rules      []ThrottleRule
	defaultPct float64
	minimum    float64
	mu         sync.Mutex
	rnd        func() float64
}

func NewThrottler(cfg ThrottleConfig) (*Throttler, error) {
	t := &Throttler{
		defaultPct: cfg.DefaultPercentage,
		minimum:    cfg.MinimumRate,
		rnd:        cfg.Rand,
	}
	if t.rnd == nil {
		t.rnd = func() float64 { return rand.Float64() * 100 }
	}
	for i, r := range cfg.Rules {
		if strings.TrimSpace(r.Key) == "" {
			return nil, fmt.Errorf("storage: throttle rule %d: key is required", i)
		}
		if r.Percentage < 0 || r.Percentage > 100 {
			return nil, fmt.Errorf("storage: throttle rule %d: percentage %v out of range", i, r.Percentage)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("storage: throttle rule %d: %w", i, err)
			}
			r.re = re
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// Decide returns the decision for a crash with the given metadata.
func (t *Throttler) Decide(metadata map[string]any) Decision {
	pct, reject := t.defaultPct, false
	for _, r := range t.rules {
		v, ok := Lookup(metadata, r.Key)
		if !ok {
			continue
		}
		if r.re != nil && !r.re.MatchString(MetadataString(v)) {
			continue
		}
		pct, reject = r.Percentage, r.Reject
		break
	}
	if pct < t.minimum {
		pct = t.minimum
	}
	if pct >= 100 {
		return Accept
	}
	t.mu.Lock()
	roll := t.rnd()
	t.mu.Unlock()
	if roll < pct {
		return Accept
	}
	if reject {
		return Reject
	}
	return Defer
}
