package kestrel

import (
	"time"

	"github.com/kestrelsec/kestrel/session"
)

// RiskInput carries everything the scorer looks at. SuspiciousEventCount is
// the number of failed-login / rate-limit / suspicious-pattern events for
// the principal inside the configured trailing window; the caller fetches
// it from the event log.
type RiskInput struct {
	StoredFingerprint string
	StoredIP          string
	StoredLocation    *session.Location

	CurrentFingerprint string
	CurrentIP          string
	CurrentLocation    *session.Location

	SuspiciousEventCount int
	Now                  time.Time
}

// RiskAssessment is the scorer's output. Score is clamped to 0-100.
type RiskAssessment struct {
	Score          int
	Flags          session.Flags
	RequiresReauth bool
}

// riskScorer is a pure additive model: each triggering condition contributes
// its configured weight independently, so adding a condition never lowers
// the score.
type riskScorer struct {
	config RiskConfig
	window nocturnalWindow
}

func newRiskScorer(cfg RiskConfig, nocturnalStart, nocturnalEnd int) *riskScorer {
	return &riskScorer{
		config: cfg,
		window: nocturnalWindow{start: nocturnalStart, end: nocturnalEnd},
	}
}

// Assess scores one validation attempt.
func (r *riskScorer) Assess(in RiskInput) RiskAssessment {
	var out RiskAssessment

	if in.CurrentFingerprint != "" && in.CurrentFingerprint != in.StoredFingerprint {
		out.Score += r.config.DeviceMismatchWeight
		out.Flags.DeviceChange = true
	}

	// An IP change alone scores nothing: carrier-grade NAT and mobile
	// networks rotate addresses constantly. Only a change that moves the
	// resolved location across a country or region boundary counts.
	if in.CurrentIP != "" && in.CurrentIP != in.StoredIP && locationDiffers(in.StoredLocation, in.CurrentLocation) {
		out.Score += r.config.LocationChangeWeight
		out.Flags.LocationChange = true
	}

	if in.SuspiciousEventCount >= r.config.SuspiciousEventThreshold {
		out.Score += r.config.SuspiciousActivityWeight
		out.Flags.SuspiciousActivity = true
	}

	if r.window.contains(in.Now.Hour()) {
		out.Score += r.config.UnusualHoursWeight
		out.Flags.UnusualHours = true
	}

	if out.Score > 100 {
		out.Score = 100
	}
	out.RequiresReauth = out.Score >= r.config.ReauthThreshold
	return out
}

func locationDiffers(stored, current *session.Location) bool {
	if stored == nil || current == nil {
		return false
	}
	return stored.Country != current.Country || stored.Region != current.Region
}

type nocturnalWindow struct {
	start int
	end   int
}

// contains handles windows that wrap past midnight as well as the default
// 02:00-06:00 case. The end hour is exclusive.
func (w nocturnalWindow) contains(hour int) bool {
	if w.start == w.end {
		return false
	}
	if w.start < w.end {
		return hour >= w.start && hour < w.end
	}
	return hour >= w.start || hour < w.end
}
