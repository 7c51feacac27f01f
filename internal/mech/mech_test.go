// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mech

import (
	"math"
	"testing"

	"github.com/relabs-tech/bartrack/internal/imu"
)

func TestMechanizeLevelStationaryRemovesGravity(t *testing.T) {
	s := imu.Imu20{
		AccelMS2: [3]float64{0, 0, imu.Gravity},
		EulerRad: [3]float64{0, 0, 0},
	}
	out := Mechanize(s)
	if got := out.Magnitude(); got > 0.1 {
		t.Errorf("|a_enu| = %v, want <= 0.1 after gravity removal", got)
	}
}

func TestMechanizePitchSweepSteadyState(t *testing.T) {
	for _, pitch := range []float64{-1.4, -0.5, 0, 0.5, 1.4} {
		s := imu.Imu20{
			AccelMS2: rotateBodyToENU([3]float64{0, 0, imu.Gravity}, [3]float64{0, -pitch, 0}),
			EulerRad: [3]float64{0, pitch, 0},
		}
		out := Mechanize(s)
		if got := out.Magnitude(); got > 0.1 {
			t.Errorf("pitch=%v: |a_enu| = %v, want <= 0.1", pitch, got)
		}
	}
}

func TestMechanizeGimbalLockGuardZeroesAccel(t *testing.T) {
	s := imu.Imu20{
		AccelMS2: [3]float64{1, 2, 3},
		EulerRad: [3]float64{0, 1.49, 0},
	}
	out := Mechanize(s)
	if out.AccelENU != [3]float64{0, 0, 0} {
		t.Errorf("AccelENU = %v, want zero vector near gimbal lock", out.AccelENU)
	}
}

func TestMechanizeBelowGimbalLockThresholdNotZeroed(t *testing.T) {
	s := imu.Imu20{
		AccelMS2: [3]float64{1, 0, imu.Gravity},
		EulerRad: [3]float64{0, 1.0, 0},
	}
	out := Mechanize(s)
	if out.AccelENU == [3]float64{0, 0, 0} {
		t.Errorf("expected nonzero mechanized acceleration below gimbal lock threshold")
	}
}

func TestMechanizePreservesTimestampAndGyro(t *testing.T) {
	s := imu.Imu20{
		TimestampMs: 42,
		GyroRad:     [3]float64{0.1, 0.2, 0.3},
		EulerRad:    [3]float64{0, 0, 0},
	}
	out := Mechanize(s)
	if out.TimestampMs != 42 {
		t.Errorf("TimestampMs = %d, want 42", out.TimestampMs)
	}
	if out.Gyro != s.GyroRad {
		t.Errorf("Gyro = %v, want %v", out.Gyro, s.GyroRad)
	}
}

func TestRotateBodyToENUIdentityAtZeroEuler(t *testing.T) {
	v := [3]float64{1, 2, 3}
	got := rotateBodyToENU(v, [3]float64{0, 0, 0})
	for i := range v {
		if math.Abs(got[i]-v[i]) > 1e-9 {
			t.Errorf("rotateBodyToENU identity failed at axis %d: got %v want %v", i, got[i], v[i])
		}
	}
}
