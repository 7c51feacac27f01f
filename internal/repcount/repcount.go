// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package repcount implements the vertical-only four-state rep detector:
// waiting, descending, ascending, lockout. It emits completed reps on a
// channel rather than invoking a callback, so the filter that needs to
// reset on rep completion can subscribe without the detector holding a
// back-pointer to it.
package repcount

// State is the rep detector's current phase.
type State int

const (
	Waiting State = iota
	Descending
	Ascending
	Lockout
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Descending:
		return "descending"
	case Ascending:
		return "ascending"
	case Lockout:
		return "lockout"
	default:
		return "unknown"
	}
}

// stableSamplesToLockout is the number of consecutive stable top-of-rep
// samples required before entering lockout.
const stableSamplesToLockout = 3

// stableBandCm bounds how close the current position must stay to the
// rep's recorded top to count as "stable" while ascending or locked out.
const stableBandCm = 5.0

// Config holds the detector's tunable thresholds, all in cm / cm/s / ms.
type Config struct {
	MinROMCm          float64
	DescentVelocityCms float64 // negative
	AscentVelocityCms  float64 // positive
	LockoutVelocityCms float64
	LockoutDurationMs  int64
}

// DefaultConfig matches the reference device's shipped tuning.
var DefaultConfig = Config{
	MinROMCm:           15,
	DescentVelocityCms: -3,
	AscentVelocityCms:  3,
	LockoutVelocityCms: 2,
	LockoutDurationMs:  300,
}

// RepEvent summarizes one completed repetition.
type RepEvent struct {
	Number         int
	TimestampMs    int64
	DurationMs     int64
	AvgVelocityCms float64
	PeakVelocityCms float64
	ROMCm          float64
	BalancePercent int
}

// inProgressRep accumulates the data for the rep currently being tracked.
type inProgressRep struct {
	startMs  int64
	top      float64
	bottom   float64
	speeds   []float64
	tilts    []float64
}

// Detector is the rep state machine. It is not safe for concurrent use.
type Detector struct {
	cfg Config

	state State
	rep   inProgressRep

	stableCount  int
	lockoutStart int64
	hasLockout   bool

	repCount int
	events   chan RepEvent
}

// New returns a detector in the waiting state with a buffered event
// channel; callers must drain Events() to avoid the channel filling.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		state:  Waiting,
		events: make(chan RepEvent, 16),
	}
}

// Events returns the channel on which completed reps are published.
func (d *Detector) Events() <-chan RepEvent {
	return d.events
}

// SetConfig updates thresholds; applies starting with the next sample.
func (d *Detector) SetConfig(cfg Config) {
	d.cfg = cfg
}

// State returns the current phase.
func (d *Detector) State() State {
	return d.state
}

// Update feeds one sample into the state machine. posCm is vertical
// position in cm, velCms is vertical velocity in cm/s, tiltDeg is the
// current tilt error in degrees, nowMs is the sample's monotonic
// timestamp.
func (d *Detector) Update(posCm, velCms, tiltDeg float64, nowMs int64) {
	switch d.state {
	case Waiting:
		if velCms < d.cfg.DescentVelocityCms {
			d.openRep(posCm, nowMs)
			d.state = Descending
		}

	case Descending:
		if posCm < d.rep.bottom {
			d.rep.bottom = posCm
		}
		d.recordSample(velCms, tiltDeg)
		if velCms > d.cfg.AscentVelocityCms {
			d.state = Ascending
			d.stableCount = 0
		}

	case Ascending:
		if posCm > d.rep.top {
			d.rep.top = posCm
		}
		d.recordSample(velCms, tiltDeg)

		if d.isStable(posCm, velCms) {
			d.stableCount++
			if d.stableCount >= stableSamplesToLockout {
				d.state = Lockout
				d.hasLockout = false
			}
			return
		}
		d.stableCount = 0

		if velCms < d.cfg.DescentVelocityCms {
			if d.rom() < d.cfg.MinROMCm {
				d.state = Waiting
				return
			}
			d.rep.bottom = posCm
			d.state = Descending
		}

	case Lockout:
		d.recordSample(velCms, tiltDeg)
		unstable := !d.isStable(posCm, velCms)

		if absf(velCms) > d.cfg.LockoutVelocityCms && velCms < d.cfg.DescentVelocityCms {
			d.state = Descending
			d.hasLockout = false
			return
		}
		if unstable {
			d.state = Waiting
			d.hasLockout = false
			return
		}

		if !d.hasLockout {
			d.lockoutStart = nowMs
			d.hasLockout = true
		}

		if nowMs-d.lockoutStart >= d.cfg.LockoutDurationMs {
			if d.rom() >= d.cfg.MinROMCm {
				d.emitRep(nowMs)
			}
			d.state = Waiting
			d.hasLockout = false
		}
	}
}

func (d *Detector) isStable(posCm, velCms float64) bool {
	return absf(d.rep.top-posCm) < stableBandCm && absf(velCms) < d.cfg.LockoutVelocityCms
}

func (d *Detector) rom() float64 {
	return d.rep.top - d.rep.bottom
}

func (d *Detector) openRep(posCm float64, nowMs int64) {
	d.rep = inProgressRep{
		startMs: nowMs,
		top:     posCm,
		bottom:  posCm,
	}
}

func (d *Detector) recordSample(velCms, tiltDeg float64) {
	d.rep.speeds = append(d.rep.speeds, absf(velCms))
	d.rep.tilts = append(d.rep.tilts, absf(tiltDeg))
}

func (d *Detector) emitRep(nowMs int64) {
	d.repCount++

	var sumSpeed, peakSpeed, sumTilt float64
	for i, sp := range d.rep.speeds {
		sumSpeed += sp
		if sp > peakSpeed {
			peakSpeed = sp
		}
		sumTilt += d.rep.tilts[i]
	}
	n := float64(len(d.rep.speeds))
	avgSpeed, avgTilt := 0.0, 0.0
	if n > 0 {
		avgSpeed = sumSpeed / n
		avgTilt = sumTilt / n
	}

	balance := 100 - 10*avgTilt
	if balance < 0 {
		balance = 0
	}

	ev := RepEvent{
		Number:          d.repCount,
		TimestampMs:     nowMs,
		DurationMs:      nowMs - d.rep.startMs,
		AvgVelocityCms:  round1(avgSpeed),
		PeakVelocityCms: round1(peakSpeed),
		ROMCm:           round1(d.rom()),
		BalancePercent:  int(balance + 0.5),
	}

	select {
	case d.events <- ev:
	default:
		// Subscriber too slow; drop rather than block the hot path.
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
