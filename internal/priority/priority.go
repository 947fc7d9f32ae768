// Package priority computes the ranking score used to order queued
// conversations. The score is a weighted blend of two bounded terms: a
// backlog term that grows with message count and a wait term that grows
// with the time since the last customer message.
package priority

import (
	"math"
	"time"
)

// Weights are the per-tenant blend factors. Alpha weights the backlog term
// and Beta the wait term.
type Weights struct {
	Alpha float64
	Beta  float64
}

// DefaultWeights favour wait time over backlog size.
var DefaultWeights = Weights{Alpha: 0.4, Beta: 0.6}

// Func scores a conversation. Implementations must return a value in [0,1]
// that is non-decreasing in both messageCount and the wait now-lastMessageAt.
type Func func(messageCount uint, lastMessageAt, now time.Time, w Weights) float64

// Default scales: 10 messages and 30 minutes of waiting each map to 0.5.
const (
	DefaultBacklogScale = 10.0
	DefaultWaitScale    = 30 * time.Minute
)

// Default is the saturating scorer with the default scales.
var Default = Saturating(DefaultBacklogScale, DefaultWaitScale)

// Saturating returns a scorer that maps each input onto [0,1) with x/(x+k):
//
//	f(n) = n / (n + backlogScale)
//	g(w) = w / (w + waitScale)
//	score = Alpha*f(n) + Beta*g(w)
//
// The result is clamped to [0,1]. A last-message time in the future counts
// as zero wait.
func Saturating(backlogScale float64, waitScale time.Duration) Func {
	if backlogScale <= 0 {
		backlogScale = DefaultBacklogScale
	}
	if waitScale <= 0 {
		waitScale = DefaultWaitScale
	}
	ws := waitScale.Seconds()
	return func(messageCount uint, lastMessageAt, now time.Time, w Weights) float64 {
		n := float64(messageCount)
		f := n / (n + backlogScale)

		wait := now.Sub(lastMessageAt).Seconds()
		if wait < 0 {
			wait = 0
		}
		g := wait / (wait + ws)

		return Clamp(w.Alpha*f + w.Beta*g)
	}
}

// Clamp bounds s to [0,1]. NaN maps to 0.
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
