// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package zupt implements a SHOE-style zero-velocity detector: a window and
// hysteresis test over gyro and acceleration magnitudes that decides when
// the bar is momentarily stationary.
package zupt

import "github.com/relabs-tech/bartrack/internal/mech"

// HysteresisMs is the fixed release window: once stationary, a brief
// disturbance within this window does not immediately clear the flag.
const HysteresisMs int64 = 100

// Params are the tunable ZUPT thresholds, normally sourced from
// calibration or config defaults.
type Params struct {
	AccelThreshold float64 // m/s^2
	GyroThreshold  float64 // rad/s
	MinHoldMs      int64
}

// DefaultParams matches the reference device's shipped thresholds.
var DefaultParams = Params{
	AccelThreshold: 0.5,
	GyroThreshold:  0.4,
	MinHoldMs:      200,
}

// Detector tracks stationary state across a stream of samples. It is not
// safe for concurrent use; the fusion loop owns it exclusively.
type Detector struct {
	params Params

	stationary      bool
	stationaryStart int64
	hasStationary   bool

	disturbanceStart int64
	hasDisturbance   bool
}

// New returns a detector with the given thresholds.
func New(params Params) *Detector {
	return &Detector{params: params}
}

// SetParams updates thresholds atomically; the new values apply starting
// with the next sample evaluated.
func (d *Detector) SetParams(p Params) {
	d.params = p
}

// Reset clears both the stationary and hysteresis state.
func (d *Detector) Reset() {
	d.stationary = false
	d.hasStationary = false
	d.hasDisturbance = false
}

// isQuiet reports whether a single sample is below both thresholds.
func (d *Detector) isQuiet(s mech.EnuSample) bool {
	return s.GyroMagnitude() < d.params.GyroThreshold && s.Magnitude() < d.params.AccelThreshold
}

// allQuiet reports whether every sample in the window is quiet.
func (d *Detector) allQuiet(window []mech.EnuSample) bool {
	for _, s := range window {
		if !d.isQuiet(s) {
			return false
		}
	}
	return true
}

// Evaluate decides ZUPT activity for the current sample, given the current
// window (most recent sample last) from the ring buffer. nowMs is the
// current sample's monotonic timestamp.
func (d *Detector) Evaluate(window []mech.EnuSample, current mech.EnuSample, nowMs int64) bool {
	if !d.isQuiet(current) {
		d.clear()
		return false
	}

	if !d.allQuiet(window) {
		if d.stationary {
			if !d.hasDisturbance {
				d.disturbanceStart = nowMs
				d.hasDisturbance = true
			}
			if nowMs-d.disturbanceStart < HysteresisMs {
				return true
			}
		}
		d.clear()
		return false
	}

	d.hasDisturbance = false
	if !d.hasStationary {
		d.stationaryStart = nowMs
		d.hasStationary = true
	}

	if nowMs-d.stationaryStart >= d.params.MinHoldMs {
		d.stationary = true
		return true
	}
	return false
}

func (d *Detector) clear() {
	d.stationary = false
	d.hasStationary = false
	d.hasDisturbance = false
}
