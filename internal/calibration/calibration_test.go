// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"testing"

	"github.com/relabs-tech/bartrack/internal/imu"
)

// feedPhase runs a sequencer through nSamples of period dtMs, each built by
// sample(i), then advances once the minimum phase duration has elapsed.
func feedPhase(s *Sequencer, nowMs *int64, dtMs int64, n int, sample func(i int) imu.Imu20) {
	for i := 0; i < n; i++ {
		s.Feed(sample(i))
		*nowMs += dtMs
	}
	s.AdvancePhase(*nowMs)
}

func stationarySample(i int) imu.Imu20 {
	jitter := 0.0
	if i%2 == 0 {
		jitter = 0.01
	} else {
		jitter = -0.01
	}
	return imu.Imu20{
		AccelMS2: [3]float64{0, 0, imu.Gravity + jitter},
		GyroRad:  [3]float64{jitter, -jitter, 0},
	}
}

func slowSample(i int) imu.Imu20 {
	return imu.Imu20{
		AccelMS2: [3]float64{0, 0, imu.Gravity + 0.6},
		GyroRad:  [3]float64{0.2, 0, 0},
	}
}

func fastSample(i int) imu.Imu20 {
	return imu.Imu20{
		AccelMS2: [3]float64{0, 0, imu.Gravity + 2.0},
		GyroRad:  [3]float64{1.0, 0, 0},
	}
}

func TestCalibrationHappyPathReachesConfidenceThreshold(t *testing.T) {
	s := New()
	var now int64

	s.Start(now)
	feedPhase(s, &now, 50, 60, stationarySample)
	feedPhase(s, &now, 50, 60, slowSample)
	feedPhase(s, &now, 50, 60, fastSample)
	feedPhase(s, &now, 50, 60, stationarySample)

	if s.Phase() != Complete {
		t.Fatalf("phase = %v, want Complete", s.Phase())
	}
	res := s.Result()
	if !res.Applied {
		t.Fatalf("expected a result to be applied, reason: %q", res.Reason)
	}
	if res.Confidence < 0.7 {
		t.Errorf("confidence = %v, want >= 0.7", res.Confidence)
	}
	if res.ZuptParams.GyroThreshold < 0.05 || res.ZuptParams.GyroThreshold > 0.5 {
		t.Errorf("w_thr = %v, want in [0.05, 0.5]", res.ZuptParams.GyroThreshold)
	}
	if res.ZuptParams.AccelThreshold < 0.1 || res.ZuptParams.AccelThreshold > 1.0 {
		t.Errorf("a_thr = %v, want in [0.1, 1.0]", res.ZuptParams.AccelThreshold)
	}
}

// slowSampleGyroOnlyMotion and fastSampleGyroOnlyMotion exceed their
// respective gyro thresholds but keep accel magnitude within a hair of
// standard gravity, simulating slow-rotation-dominant motion. Per spec the
// verification bonus is gated on gyro magnitude alone.
func slowSampleGyroOnlyMotion(i int) imu.Imu20 {
	return imu.Imu20{
		AccelMS2: [3]float64{0, 0, imu.Gravity + 0.001},
		GyroRad:  [3]float64{0.2, 0, 0},
	}
}

func fastSampleGyroOnlyMotion(i int) imu.Imu20 {
	return imu.Imu20{
		AccelMS2: [3]float64{0, 0, imu.Gravity + 0.001},
		GyroRad:  [3]float64{1.0, 0, 0},
	}
}

func TestCalibrationConfidenceBonusIsGyroOnly(t *testing.T) {
	s := New()
	var now int64

	s.Start(now)
	feedPhase(s, &now, 50, 60, stationarySample)
	feedPhase(s, &now, 50, 60, slowSampleGyroOnlyMotion)
	feedPhase(s, &now, 50, 60, fastSampleGyroOnlyMotion)
	feedPhase(s, &now, 50, 60, stationarySample)

	res := s.Result()
	if !res.Applied {
		t.Fatalf("expected a result to be applied, reason: %q", res.Reason)
	}
	// 0.3 base + 0.3 stationary-noise bonus + 0.2 slow + 0.2 fast = 1.0,
	// even though neither moving phase exceeded the accel motion floor.
	if res.Confidence < 0.9 {
		t.Errorf("confidence = %v, want >= 0.9 (gyro-only bonus should apply despite negligible accel motion)", res.Confidence)
	}
}

func TestCalibrationInsufficientDataReturnsZeroConfidence(t *testing.T) {
	s := New()
	s.Start(0)
	s.AdvancePhase(0) // before MinPhaseDurationMs elapses; no-op

	res := s.Result()
	if res.Applied {
		t.Fatalf("expected no result applied before verification completes")
	}

	// Run every phase to completion without feeding a single sample.
	for now := int64(2000); now <= 8000; now += 2000 {
		s.AdvancePhase(now)
	}
	if s.Phase() != Complete {
		t.Fatalf("phase = %v, want Complete", s.Phase())
	}
	res = s.Result()
	if res.Applied {
		t.Errorf("expected no result applied with an empty stationary phase")
	}
	if res.Confidence != 0 {
		t.Errorf("confidence = %v, want 0 with insufficient data", res.Confidence)
	}
	if res.Reason == "" {
		t.Errorf("expected a textual reason for the unapplied result")
	}
}

func TestCannotAdvanceBeforeMinimumDuration(t *testing.T) {
	s := New()
	s.Start(0)
	s.Feed(stationarySample(0))

	if s.CanAdvance(1000) {
		t.Errorf("CanAdvance(1000ms) = true, want false (< 2000ms minimum)")
	}
	if !s.CanAdvance(2000) {
		t.Errorf("CanAdvance(2000ms) = false, want true")
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	s := New()
	s.Start(0)
	s.Feed(stationarySample(0))
	s.Reset()

	if s.Phase() != Idle {
		t.Errorf("phase = %v, want Idle after Reset", s.Phase())
	}
}

func TestPhaseStringsAreNamed(t *testing.T) {
	names := map[Phase]string{
		Idle: "idle", Stationary: "stationary", SlowMotion: "slow_motion",
		FastMotion: "fast_motion", Verification: "verification", Complete: "complete",
	}
	for phase, want := range names {
		if got := phase.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}
