// Package guardrails implements the safety gates evaluated before any automated action.
package guardrails

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Gate names reported in Verdict.BlockedBy.
const (
	GateKillSwitch  = "kill_switch"
	GateRateLimit   = "rate_limit"
	GateBlastRadius = "blast_radius"
)

// KillSwitch is a global boolean that blocks every automated action while set.
type KillSwitch struct {
	engaged atomic.Bool
}

// NewKillSwitch returns a switch in the given position.
func NewKillSwitch(engaged bool) *KillSwitch {
	k := &KillSwitch{}
	k.engaged.Store(engaged)
	return k
}

// Set changes the switch position and returns the previous one.
func (k *KillSwitch) Set(engaged bool) bool {
	return k.engaged.Swap(engaged)
}

// Engaged reports whether automated execution is blocked.
func (k *KillSwitch) Engaged() bool {
	return k.engaged.Load()
}

// RateLimiter bounds automated actions per rolling window. It holds no state of its
// own; every decision is derived from the supplied trail.
type RateLimiter struct {
	Limit  int
	Window time.Duration
}

// Used counts automated records inside the window ending at now.
func (r RateLimiter) Used(records []models.ActionRecord, now time.Time) int {
	window := r.Window
	if window <= 0 {
		window = time.Hour
	}
	cutoff := now.Add(-window)
	count := 0
	for _, rec := range records {
		if !rec.Automated || rec.Timestamp.Before(cutoff) || rec.Timestamp.After(now) {
			continue
		}
		count++
	}
	return count
}

// Allow reports whether one more automated action fits in the window.
func (r RateLimiter) Allow(records []models.ActionRecord, now time.Time) bool {
	if r.Limit <= 0 {
		return false
	}
	return r.Used(records, now) < r.Limit
}

// BlastRadiusLimiter bounds distinct targets touched by automated actions within a window.
type BlastRadiusLimiter struct {
	Limit  int
	Window time.Duration
}

// Targets returns the sorted distinct automated targets within the window ending at now.
func (b BlastRadiusLimiter) Targets(records []models.ActionRecord, now time.Time) []string {
	window := b.Window
	if window <= 0 {
		window = time.Hour
	}
	cutoff := now.Add(-window)
	seen := make(map[string]struct{})
	for _, rec := range records {
		if !rec.Automated || rec.Timestamp.Before(cutoff) || rec.Timestamp.After(now) {
			continue
		}
		seen[rec.Target] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for target := range seen {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// Allow reports whether target may be touched. A target already inside the radius
// never grows it and is always allowed.
func (b BlastRadiusLimiter) Allow(records []models.ActionRecord, target string, now time.Time) bool {
	if b.Limit <= 0 {
		return false
	}
	targets := b.Targets(records, now)
	idx := sort.SearchStrings(targets, target)
	if idx < len(targets) && targets[idx] == target {
		return true
	}
	return len(targets) < b.Limit
}

// Remaining is the fraction of blast-radius budget left, in [0,1].
func (b BlastRadiusLimiter) Remaining(records []models.ActionRecord, now time.Time) float64 {
	if b.Limit <= 0 {
		return 0
	}
	used := len(b.Targets(records, now))
	if used >= b.Limit {
		return 0
	}
	return 1 - float64(used)/float64(b.Limit)
}

// Verdict is the combined result of every gate for one candidate action.
type Verdict struct {
	Allowed   bool
	BlockedBy []string
}

// Evaluate runs all three gates against the trail. Every failing gate is reported.
func Evaluate(killed bool, rate RateLimiter, blast BlastRadiusLimiter, records []models.ActionRecord, target string, now time.Time) Verdict {
	var blocked []string
	if killed {
		blocked = append(blocked, GateKillSwitch)
	}
	if !rate.Allow(records, now) {
		blocked = append(blocked, GateRateLimit)
	}
	if !blast.Allow(records, target, now) {
		blocked = append(blocked, GateBlastRadius)
	}
	return Verdict{Allowed: len(blocked) == 0, BlockedBy: blocked}
}

// Usage summarizes current guardrail consumption for status reporting.
type Usage struct {
	KillSwitch       bool
	RateUsed         int
	RateLimit        int
	BlastTargets     []string
	BlastRadiusLimit int
}

// Snapshot reports usage over the trail.
func Snapshot(killed bool, rate RateLimiter, blast BlastRadiusLimiter, records []models.ActionRecord, now time.Time) Usage {
	return Usage{
		KillSwitch:       killed,
		RateUsed:         rate.Used(records, now),
		RateLimit:        rate.Limit,
		BlastTargets:     blast.Targets(records, now),
		BlastRadiusLimit: blast.Limit,
	}
}
