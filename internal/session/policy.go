package session

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Policy draws every pacing decision from a randomized range. Fixed
// exponential backoff would give all agents a synchronized, fingerprintable
// retry cadence; independent draws per decision avoid that.
type Policy struct {
	// MinDelay..MaxDelay bounds the pause after a successful fetch.
	MinDelay time.Duration
	MaxDelay time.Duration

	// PenaltyMin..PenaltyMax bounds the pause after a transient failure.
	PenaltyMin time.Duration
	PenaltyMax time.Duration

	// CooldownMin..CooldownMax bounds the forced pause after block detection.
	CooldownMin time.Duration
	CooldownMax time.Duration

	// ProfileCapMin..ProfileCapMax bounds the per-session profile cap.
	ProfileCapMin int
	ProfileCapMax int

	// SessionMin..SessionMax bounds the per-session duration cap.
	SessionMin time.Duration
	SessionMax time.Duration

	// DailyCapMin..DailyCapMax bounds the per-agent daily profile cap,
	// which holds across sessions within one UTC day.
	DailyCapMin int
	DailyCapMax int

	// FailureBudget is how many consecutive transient failures a session
	// absorbs before escalating to a cooldown. Zero disables escalation.
	FailureBudget int
}

// DefaultPolicy returns the production pacing ranges.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:      120 * time.Second,
		MaxDelay:      300 * time.Second,
		PenaltyMin:    300 * time.Second,
		PenaltyMax:    600 * time.Second,
		CooldownMin:   2 * time.Hour,
		CooldownMax:   4 * time.Hour,
		ProfileCapMin: 3,
		ProfileCapMax: 5,
		SessionMin:    1 * time.Hour,
		SessionMax:    2 * time.Hour,
		DailyCapMin:   15,
		DailyCapMax:   25,
		FailureBudget: 5,
	}
}

// SessionCaps draws a fresh profile cap and duration cap. Called on every
// authentication, including after REINITIALIZING, so caps never persist
// across sessions.
func (p Policy) SessionCaps() (profiles int, duration time.Duration) {
	return randInt(p.ProfileCapMin, p.ProfileCapMax), randDuration(p.SessionMin, p.SessionMax)
}

// SuccessDelay draws the pause before the next target after a success.
func (p Policy) SuccessDelay() time.Duration {
	return randDuration(p.MinDelay, p.MaxDelay)
}

// PenaltyDelay draws the wider pause applied after a transient failure.
func (p Policy) PenaltyDelay() time.Duration {
	return randDuration(p.PenaltyMin, p.PenaltyMax)
}

// DailyCap draws the per-day profile cap. Zero bounds disable the cap.
func (p Policy) DailyCap() int {
	if p.DailyCapMin <= 0 && p.DailyCapMax <= 0 {
		return 0
	}
	return randInt(p.DailyCapMin, p.DailyCapMax)
}

// CooldownWindow draws the length of a forced pause after block detection.
func (p Policy) CooldownWindow() time.Duration {
	return randDuration(p.CooldownMin, p.CooldownMax)
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := big.NewInt(int64(max - min + 1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return min + (max-min)/2
	}
	return min + time.Duration(n.Int64())
}

func randInt(min, max int) int {
	if max <= min {
		return min
	}
	span := big.NewInt(int64(max - min + 1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return min + (max-min)/2
	}
	return min + int(n.Int64())
}
