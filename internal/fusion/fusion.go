// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fusion orchestrates the per-sample pipeline: decode → mechanize →
// ring buffer → ZUPT → ESKF predict/update → safety clipping → rep
// detection → publish. Loop.Step is the hot path; it never returns an
// error, it degrades per the documented error taxonomy (skip, clamp,
// no-op) and surfaces problems only through diagnostics and log lines.
package fusion

import (
	"context"
	"log"
	"math"

	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/diagnostics"
	"github.com/relabs-tech/bartrack/internal/eskf"
	"github.com/relabs-tech/bartrack/internal/imu"
	"github.com/relabs-tech/bartrack/internal/mech"
	"github.com/relabs-tech/bartrack/internal/repcount"
	"github.com/relabs-tech/bartrack/internal/ringbuffer"
	"github.com/relabs-tech/bartrack/internal/session"
	"github.com/relabs-tech/bartrack/internal/zupt"
)

// Status is the loop's initialization state.
type Status int

const (
	Uninitialized Status = iota
	Waiting
	Initialized
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Waiting:
		return "waiting"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// Safety clip constants from the external interface thresholds table.
const (
	maxSpeedMS     = 3.0
	floorU         = -0.05
	ceilingU       = 3.0
	lateralLimit   = 2.5
	velocityFloorResidualU = 0.001 // 1 mm/s, left unzeroed to unblock the rep detector
	constraintVelocityGate = 0.05  // m/s
	expectedDt             = 0.05  // s, nominal 20 Hz
	loopRateEmaAlpha       = 0.1
	maxValidDt             = 0.2 // s
	meanEnuU1sWindowMs     = 1000

	// accelSanityLimitMS2 bounds |a_enu|: a frame this far outside the
	// plausible lifting envelope is almost certainly a corrupt decode
	// rather than real motion, so it is scaled down instead of trusted.
	accelSanityLimitMS2 = 10 * imu.Gravity
)

// Snapshot is the fused state published after every processed sample.
type Snapshot struct {
	TimestampMs int64

	Position [3]float64 // m, ENU
	Velocity [3]float64 // m/s, ENU
	Bias     [3]float64 // m/s^2, ENU

	ZuptActive bool
	Status     Status

	LoopRateHz float64
	DtJitter   float64
}

// Publisher receives fused state snapshots and completed rep events. The
// fusion loop never blocks on a slow publisher's own I/O; implementations
// are expected to buffer or drop internally (the MQTT-backed one in
// cmd/bartrackd does).
type Publisher interface {
	Publish(Snapshot)
	PublishRep(repcount.RepEvent)
}

// Loop owns every piece of per-instance state the pipeline needs: the
// filter, ring buffer, ZUPT and rep detectors, and the bookkeeping for
// initialization status and the learned constraint anchor. It is not safe
// for concurrent use — one goroutine feeds it samples in arrival order.
type Loop struct {
	ekf  *eskf.State
	ring *ringbuffer.Buffer
	zd   *zupt.Detector
	rep  *repcount.Detector

	diag      *diagnostics.Hub
	publisher Publisher
	recorder  session.Recorder
	sessionID session.ID
	hasSession bool

	ekfParams  eskf.Params
	constraint config.ConstraintConfig

	status Status

	lastTimestampMs int64
	hasLast         bool

	loopRateHz float64
	hasRate    bool

	hasAnchor bool
	anchorE   float64
	anchorN   float64
}

// New builds a loop ready to process samples, seeded from the given
// parameter bundle.
func New(params config.ParameterBundle, diag *diagnostics.Hub, publisher Publisher, recorder session.Recorder) *Loop {
	return &Loop{
		ekf:        eskf.New(),
		ring:       ringbuffer.New(ringbuffer.DefaultCapacity),
		zd:         zupt.New(params.ZuptParams),
		rep:        repcount.New(params.RepCounterConfig),
		diag:       diag,
		publisher:  publisher,
		recorder:   recorder,
		ekfParams:  params.EkfParams,
		constraint: params.ConstraintConfig,
		status:     Uninitialized,
	}
}

// SetParams applies an updated parameter bundle atomically from the next
// sample onward; it does not reset accumulated filter or detector state.
func (l *Loop) SetParams(params config.ParameterBundle) {
	l.zd.SetParams(params.ZuptParams)
	l.rep.SetConfig(params.RepCounterConfig)
	l.ekfParams = params.EkfParams
	l.constraint = params.ConstraintConfig
}

// BeginSession opens a new bookkeeping session through the configured
// recorder; failures are logged and non-fatal, matching the persistence
// error policy for every other out-of-band write in this pipeline.
func (l *Loop) BeginSession(ctx context.Context) {
	if l.recorder == nil {
		return
	}
	id, err := l.recorder.BeginSet(ctx)
	if err != nil {
		log.Printf("fusion: begin session: %v", err)
		return
	}
	l.sessionID = id
	l.hasSession = true
}

// Status returns the loop's current initialization status.
func (l *Loop) Status() Status {
	return l.status
}

// Reset discards accumulated filter state, the ring buffer, the ZUPT
// detector state, and the learned constraint anchor, returning the loop to
// Uninitialized. Used for an explicit user reset. The rep detector's state
// and rep count are kept. Rep completion resets the filter, ring buffer,
// ZUPT detector and anchor but leaves the status as it is (see
// onRepComplete).
func (l *Loop) Reset() {
	l.ekf.Reset()
	l.ring.Reset()
	l.zd.Reset()
	l.status = Uninitialized
	l.hasLast = false
	l.hasRate = false
	l.hasAnchor = false
}

// Step processes one decoded IMU sample through the full pipeline and
// publishes the resulting snapshot. It never returns an error.
func (l *Loop) Step(raw imu.ImuSample) {
	s20 := raw.ToImu20()
	rawAccelMag := s20.AccelMagnitude()
	rawGyroMag := s20.GyroMagnitude()
	l.diag.Record(diagnostics.ChanAccelRawX, raw.TimestampMs, s20.AccelMS2[0])
	l.diag.Record(diagnostics.ChanAccelRawY, raw.TimestampMs, s20.AccelMS2[1])
	l.diag.Record(diagnostics.ChanAccelRawZ, raw.TimestampMs, s20.AccelMS2[2])
	l.diag.Record(diagnostics.ChanAccelRawMag, raw.TimestampMs, rawAccelMag)
	l.diag.Record(diagnostics.ChanGyroRawX, raw.TimestampMs, s20.GyroRad[0])
	l.diag.Record(diagnostics.ChanGyroRawY, raw.TimestampMs, s20.GyroRad[1])
	l.diag.Record(diagnostics.ChanGyroRawZ, raw.TimestampMs, s20.GyroRad[2])
	l.diag.Record(diagnostics.ChanGyroRawMag, raw.TimestampMs, rawGyroMag)

	enu := mech.Mechanize(s20)
	l.clampAccelSanity(&enu)
	l.diag.Record(diagnostics.ChanAccelEnuE, enu.TimestampMs, enu.AccelENU[0])
	l.diag.Record(diagnostics.ChanAccelEnuN, enu.TimestampMs, enu.AccelENU[1])
	l.diag.Record(diagnostics.ChanAccelEnuU, enu.TimestampMs, enu.AccelENU[2])
	l.diag.Record(diagnostics.ChanAccelEnuMag, enu.TimestampMs, enu.Magnitude())

	l.ring.Append(enu)

	if !l.hasLast {
		l.lastTimestampMs = enu.TimestampMs
		l.hasLast = true
		if l.status == Uninitialized {
			l.status = Waiting
		}
		l.publishSnapshot(enu.TimestampMs, false)
		return
	}

	dt := float64(enu.TimestampMs-l.lastTimestampMs) / 1000.0
	if dt <= 0 || dt > maxValidDt {
		l.lastTimestampMs = enu.TimestampMs
		l.diag.Record(diagnostics.ChanDtJitter, enu.TimestampMs, math.Abs(dt-expectedDt))
		l.publishSnapshot(enu.TimestampMs, false)
		return
	}
	l.lastTimestampMs = enu.TimestampMs

	l.updateLoopRate(dt)
	l.diag.Record(diagnostics.ChanDtJitter, enu.TimestampMs, math.Abs(dt-expectedDt))

	l.ekf.Predict(dt, enu.AccelENU, l.ekfParams)

	active := l.zd.Evaluate(l.ring.View(), enu, enu.TimestampMs)
	l.diag.Record(diagnostics.ChanZuptActive, enu.TimestampMs, boolToFloat(active))

	if active {
		if l.ekf.ZuptUpdate(l.ekfParams) {
			l.applyVelocityFloor()
		}
		if !l.hasAnchor {
			p := l.ekf.Position()
			l.anchorE, l.anchorN = p[0], p[1]
			l.hasAnchor = true
		}
		l.status = Initialized
	} else if l.status == Initialized {
		v := l.ekf.Velocity()
		if vecNorm(v) > constraintVelocityGate && l.hasAnchor {
			l.applyConstraint()
		}
	}

	l.applySafetyClips()
	l.recordStateChannels(enu.TimestampMs)

	l.feedRepDetector(enu.TimestampMs, tiltErrorDeg(s20))

	l.publishSnapshot(enu.TimestampMs, active)
}

// tiltErrorDeg approximates how far the bar has drifted from level as the
// vector magnitude of roll and pitch, the rep detector's per-sample tilt
// accumulator; yaw does not contribute since it does not tilt the bar off
// a vertical lifting plane.
func tiltErrorDeg(s imu.Imu20) float64 {
	const radToDeg = 180.0 / math.Pi
	roll := s.EulerRad[0] * radToDeg
	pitch := s.EulerRad[1] * radToDeg
	return math.Sqrt(roll*roll + pitch*pitch)
}

// clampAccelSanity enforces the EnuSample invariant that |a_enu| stays
// within a sanity limit; an out-of-envelope reading is scaled down rather
// than discarded, consistent with the velocity/position clip policy below.
func (l *Loop) clampAccelSanity(enu *mech.EnuSample) {
	mag := enu.Magnitude()
	if mag <= accelSanityLimitMS2 {
		return
	}
	scale := accelSanityLimitMS2 / mag
	for i := 0; i < 3; i++ {
		enu.AccelENU[i] *= scale
	}
}

func (l *Loop) updateLoopRate(dt float64) {
	instantaneous := 1.0 / dt
	if !l.hasRate {
		l.loopRateHz = instantaneous
		l.hasRate = true
		return
	}
	l.loopRateHz = loopRateEmaAlpha*instantaneous + (1-loopRateEmaAlpha)*l.loopRateHz
}

// applyVelocityFloor zeroes horizontal velocity after a ZUPT update and
// leaves a small positive vertical residual rather than a hard zero, per
// the documented open-question resolution: it keeps the rep detector's
// velocity-floor logic simple without a special case for exact zero.
func (l *Loop) applyVelocityFloor() {
	v := l.ekf.Velocity()
	v[0] = 0
	v[1] = 0
	v[2] = velocityFloorResidualU
	l.ekf.SetVelocity(v)
	l.ekf.SetVelocityCovariance(l.ekfParams.Rv)
}

// applyConstraint applies the configured motion constraint once the
// velocity is large enough that ZUPT is not suppressing it. Planar
// constraints are gated on hasAnchor in Step, matching the reference
// behavior of enabling them only after the first ZUPT-learned anchor.
func (l *Loop) applyConstraint() {
	switch l.constraint.Kind {
	case config.ConstraintVerticalPlane:
		axis := eskf.PE
		if l.constraint.Axis == "y" {
			axis = eskf.PN
		}
		l.ekf.PlanarUpdate(axis, l.ekfParams.Ry)
	case config.ConstraintLineVertical:
		l.ekf.LineVerticalUpdate(l.anchorE, l.anchorN, l.ekfParams.Ry)
	}
}

// applySafetyClips enforces the out-of-envelope motion clips: scale excess
// speed, and floor/ceiling/lateral-clamp position while zeroing the
// offending velocity component.
func (l *Loop) applySafetyClips() {
	v := l.ekf.Velocity()
	if speed := vecNorm(v); speed > maxSpeedMS {
		scale := maxSpeedMS / speed
		for i := 0; i < 3; i++ {
			v[i] *= scale
		}
	}

	p := l.ekf.Position()
	clamped := false
	if p[2] < floorU {
		p[2] = floorU
		if v[2] < 0 {
			v[2] = 0
		}
		clamped = true
	}
	if p[2] > ceilingU {
		p[2] = ceilingU
		if v[2] > 0 {
			v[2] = 0
		}
		clamped = true
	}
	if p[0] > lateralLimit {
		p[0] = lateralLimit
		v[0] = 0
		clamped = true
	} else if p[0] < -lateralLimit {
		p[0] = -lateralLimit
		v[0] = 0
		clamped = true
	}
	if p[1] > lateralLimit {
		p[1] = lateralLimit
		v[1] = 0
		clamped = true
	} else if p[1] < -lateralLimit {
		p[1] = -lateralLimit
		v[1] = 0
		clamped = true
	}

	l.ekf.SetVelocity(v)
	if clamped {
		l.setPosition(p)
	}
}

func (l *Loop) setPosition(p [3]float64) {
	l.ekf.SetPosition(p)
}

func (l *Loop) recordStateChannels(tsMs int64) {
	p := l.ekf.Position()
	v := l.ekf.Velocity()
	b := l.ekf.Bias()

	l.diag.Record(diagnostics.ChanPositionE, tsMs, p[0])
	l.diag.Record(diagnostics.ChanPositionN, tsMs, p[1])
	l.diag.Record(diagnostics.ChanPositionU, tsMs, p[2])
	l.diag.Record(diagnostics.ChanVelocityE, tsMs, v[0])
	l.diag.Record(diagnostics.ChanVelocityN, tsMs, v[1])
	l.diag.Record(diagnostics.ChanVelocityU, tsMs, v[2])
	l.diag.Record(diagnostics.ChanBiasE, tsMs, b[0])
	l.diag.Record(diagnostics.ChanBiasN, tsMs, b[1])
	l.diag.Record(diagnostics.ChanBiasU, tsMs, b[2])

	meanU := l.diag.MeanSince(diagnostics.ChanAccelEnuU, tsMs, meanEnuU1sWindowMs)
	l.diag.Record(diagnostics.ChanMeanEnuU1s, tsMs, meanU)

	accelU := l.diag.Stats(diagnostics.ChanAccelEnuU).Current
	l.diag.Record(diagnostics.ChanResidualBiasU, tsMs, accelU-b[2])

	l.diag.Record(diagnostics.ChanLoopRate, tsMs, l.loopRateHz)
}

// feedRepDetector drives the rep state machine from the filter's current
// vertical position/velocity (converted to cm / cm/s) and a tilt-error
// estimate, then drains any rep completed by this sample.
func (l *Loop) feedRepDetector(tsMs int64, tiltDeg float64) {
	p := l.ekf.Position()
	v := l.ekf.Velocity()

	l.rep.Update(p[2]*100, v[2]*100, tiltDeg, tsMs)

	select {
	case ev := <-l.rep.Events():
		l.onRepComplete(ev)
	default:
	}
}

// onRepComplete resets the filter on rep completion (the documented
// callback-to-event-stream redesign), records the rep with the session
// recorder if one is configured, and forwards the event to the publisher.
func (l *Loop) onRepComplete(ev repcount.RepEvent) {
	l.ekf.Reset()
	l.ring.Reset()
	l.zd.Reset()
	l.hasAnchor = false

	if l.recorder != nil && l.hasSession {
		if err := l.recorder.RecordRep(context.Background(), l.sessionID, ev); err != nil {
			log.Printf("fusion: record rep: %v", err)
		}
	}
	l.publisher.PublishRep(ev)
}

func (l *Loop) publishSnapshot(tsMs int64, zuptActive bool) {
	l.publisher.Publish(Snapshot{
		TimestampMs: tsMs,
		Position:    l.ekf.Position(),
		Velocity:    l.ekf.Velocity(),
		Bias:        l.ekf.Bias(),
		ZuptActive:  zuptActive,
		Status:      l.status,
		LoopRateHz:  l.loopRateHz,
		DtJitter:    l.diag.Stats(diagnostics.ChanDtJitter).Current,
	})
}

func vecNorm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
