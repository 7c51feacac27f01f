// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration implements the guided four-phase sequence that
// learns ZUPT thresholds from stationary, slow-motion, and fast-motion
// capture: idle -> stationary -> slow_motion -> fast_motion ->
// verification -> complete. It consumes SI-converted samples directly
// (before mechanization into ENU), since the stationary-phase check
// compares raw accel magnitude against standard gravity rather than a
// gravity-removed residual.
package calibration

import (
	"math"

	"github.com/relabs-tech/bartrack/internal/imu"
	"github.com/relabs-tech/bartrack/internal/zupt"
)

// Phase is the calibration sequencer's current step.
type Phase int

const (
	Idle Phase = iota
	Stationary
	SlowMotion
	FastMotion
	Verification
	Complete
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Stationary:
		return "stationary"
	case SlowMotion:
		return "slow_motion"
	case FastMotion:
		return "fast_motion"
	case Verification:
		return "verification"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// MinPhaseDurationMs is the minimum time that must elapse in a non-terminal
// phase before the operator may advance to the next one.
const MinPhaseDurationMs int64 = 2000

// phaseBuffer accumulates samples and inter-sample intervals for one phase.
type phaseBuffer struct {
	startMs int64
	samples []imu.Imu20
	dts     []float64
	lastMs  int64
	hasLast bool
}

func (b *phaseBuffer) add(s imu.Imu20) {
	if b.hasLast {
		b.dts = append(b.dts, float64(s.TimestampMs-b.lastMs)/1000.0)
	}
	b.lastMs = s.TimestampMs
	b.hasLast = true
	b.samples = append(b.samples, s)
}

// Result is the outcome of completed analysis.
type Result struct {
	ZuptParams   zupt.Params
	Confidence   float64
	GyroNoise    float64
	AccelNoise   float64
	TimingStable bool
	Reason       string
	Applied      bool
}

// Sequencer drives the calibration state machine. It is not safe for
// concurrent use; a single CLI or WebSocket handler owns it for the
// duration of one guided session.
type Sequencer struct {
	phase   Phase
	buffers map[Phase]*phaseBuffer

	result Result
}

// New returns a sequencer in the idle phase.
func New() *Sequencer {
	return &Sequencer{
		phase:   Idle,
		buffers: make(map[Phase]*phaseBuffer),
	}
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase {
	return s.phase
}

// Start moves from idle to stationary and opens its buffer.
func (s *Sequencer) Start(nowMs int64) {
	s.phase = Stationary
	s.buffers = make(map[Phase]*phaseBuffer)
	s.openBuffer(Stationary, nowMs)
}

// Feed appends a sample to the current phase's buffer. No-op once Complete
// or before Start.
func (s *Sequencer) Feed(sample imu.Imu20) {
	if s.phase == Idle || s.phase == Complete {
		return
	}
	buf := s.buffers[s.phase]
	if buf == nil {
		return
	}
	buf.add(sample)
}

// CanAdvance reports whether the current phase has run long enough for the
// operator to move on.
func (s *Sequencer) CanAdvance(nowMs int64) bool {
	buf := s.buffers[s.phase]
	if buf == nil {
		return false
	}
	return nowMs-buf.startMs >= MinPhaseDurationMs
}

// AdvancePhase closes the current phase and opens the next one, running
// analysis when the sequence reaches Complete. It is a no-op if the
// minimum phase duration has not elapsed.
func (s *Sequencer) AdvancePhase(nowMs int64) {
	if !s.CanAdvance(nowMs) {
		return
	}
	switch s.phase {
	case Stationary:
		s.phase = SlowMotion
		s.openBuffer(SlowMotion, nowMs)
	case SlowMotion:
		s.phase = FastMotion
		s.openBuffer(FastMotion, nowMs)
	case FastMotion:
		s.phase = Verification
		s.openBuffer(Verification, nowMs)
	case Verification:
		s.result = s.analyze()
		s.phase = Complete
	}
}

// Reset returns the sequencer to idle and discards all buffers.
func (s *Sequencer) Reset() {
	s.phase = Idle
	s.buffers = make(map[Phase]*phaseBuffer)
	s.result = Result{}
}

// Result returns the last computed analysis; valid only once Phase() ==
// Complete.
func (s *Sequencer) Result() Result {
	return s.result
}

func (s *Sequencer) openBuffer(p Phase, nowMs int64) {
	s.buffers[p] = &phaseBuffer{startMs: nowMs}
}

// analyze computes recommended ZUPT thresholds and a confidence score from
// the captured phases, per the documented clamp formulas and verification
// bonuses. Insufficient stationary-phase data yields a zero-confidence,
// unapplied result with a textual reason rather than a guess.
func (s *Sequencer) analyze() Result {
	stationary := s.buffers[Stationary]
	slow := s.buffers[SlowMotion]
	fast := s.buffers[FastMotion]

	if stationary == nil || len(stationary.samples) < 2 {
		return Result{Reason: "insufficient stationary-phase data"}
	}

	gyroMags := make([]float64, len(stationary.samples))
	accelMags := make([]float64, len(stationary.samples))
	for i, sm := range stationary.samples {
		gyroMags[i] = sm.GyroMagnitude()
		accelMags[i] = sm.AccelMagnitude()
	}
	gyroNoise := stddev(gyroMags)
	accelNoise := stddev(accelMags)

	wThr := clamp(5*gyroNoise, 0.05, 0.5)
	aThr := clamp(5*accelNoise, 0.1, 1.0)
	minHoldMs := int64(clamp(math.Round(200+1000*gyroNoise), 100, 500))

	confidence := 0.3

	gyroMax, accelDevMax := 0.0, 0.0
	for _, sm := range stationary.samples {
		if g := sm.GyroMagnitude(); g > gyroMax {
			gyroMax = g
		}
		if dev := math.Abs(sm.AccelMagnitude() - imu.Gravity); dev > accelDevMax {
			accelDevMax = dev
		}
	}
	if gyroMax < wThr && accelDevMax < aThr {
		confidence += 0.3
	}

	if slow != nil && anyGyroExceeds(slow.samples, 2*wThr) {
		confidence += 0.2
	}
	if fast != nil && anyGyroExceeds(fast.samples, 5*wThr) {
		confidence += 0.2
	}
	if confidence > 1 {
		confidence = 1
	}

	allDts := append(append([]float64{}, stationary.dts...), phaseDts(slow)...)
	allDts = append(allDts, phaseDts(fast)...)
	timingStable := timingStability(allDts) > 0.9

	return Result{
		ZuptParams: zupt.Params{
			AccelThreshold: aThr,
			GyroThreshold:  wThr,
			MinHoldMs:      minHoldMs,
		},
		Confidence:   confidence,
		GyroNoise:    gyroNoise,
		AccelNoise:   accelNoise,
		TimingStable: timingStable,
		Applied:      true,
	}
}

func phaseDts(b *phaseBuffer) []float64 {
	if b == nil {
		return nil
	}
	return b.dts
}

func anyGyroExceeds(samples []imu.Imu20, threshold float64) bool {
	for _, s := range samples {
		if s.GyroMagnitude() > threshold {
			return true
		}
	}
	return false
}

func timingStability(dts []float64) float64 {
	if len(dts) == 0 {
		return 0
	}
	mean := meanOf(dts)
	if mean == 0 {
		return 0
	}
	stability := 1 - stddev(dts)/mean
	if stability < 0 {
		return 0
	}
	return stability
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddev(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	mean := meanOf(v)
	var sumSq float64
	for _, x := range v {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(v)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
