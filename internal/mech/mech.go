// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package mech mechanizes body-frame IMU samples into the local East-North-Up
// level frame, removing gravity. It applies no filtering of its own — the
// ESKF's process model is the only smoothing in the pipeline.
package mech

import (
	"math"

	"github.com/relabs-tech/bartrack/internal/imu"
)

// GimbalLockPitchRad is the absolute pitch beyond which the Euler-angle
// rotation becomes singular enough that mechanized acceleration is
// suppressed rather than trusted.
const GimbalLockPitchRad = 1.48

// gravityENU is the gravity vector expressed in the ENU frame.
var gravityENU = [3]float64{0, 0, imu.Gravity}

// EnuSample is gravity-removed acceleration and angular rate expressed in
// the East-North-Up navigation frame.
type EnuSample struct {
	TimestampMs int64
	AccelENU    [3]float64 // m/s^2, gravity removed
	Gyro        [3]float64 // rad/s, body frame (unrotated)
}

// Magnitude returns |AccelENU|.
func (s EnuSample) Magnitude() float64 {
	return norm3(s.AccelENU)
}

// GyroMagnitude returns |Gyro|.
func (s EnuSample) GyroMagnitude() float64 {
	return norm3(s.Gyro)
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Mechanize rotates a body-frame sample into ENU and removes gravity. Near
// the gimbal-lock pitch singularity the rotation is not evaluated and the
// resulting acceleration is forced to zero, per the reference behavior:
// a bad rotation matrix is worse than no update at all.
func Mechanize(s imu.Imu20) EnuSample {
	out := EnuSample{
		TimestampMs: s.TimestampMs,
		Gyro:        s.GyroRad,
	}

	if math.Abs(s.EulerRad[1]) > GimbalLockPitchRad {
		return out
	}

	rotated := rotateBodyToENU(s.AccelMS2, s.EulerRad)
	out.AccelENU = [3]float64{
		rotated[0] - gravityENU[0],
		rotated[1] - gravityENU[1],
		rotated[2] - gravityENU[2],
	}
	return out
}

// rotateBodyToENU applies R_ENU<-body = Rz(yaw) * Ry(pitch) * Rx(roll) to a
// body-frame vector. euler is [roll, pitch, yaw] in radians.
func rotateBodyToENU(v [3]float64, euler [3]float64) [3]float64 {
	roll, pitch, yaw := euler[0], euler[1], euler[2]

	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)

	// R = Rz(yaw) * Ry(pitch) * Rx(roll), row-major.
	r00 := cy * cp
	r01 := cy*sp*sr - sy*cr
	r02 := cy*sp*cr + sy*sr

	r10 := sy * cp
	r11 := sy*sp*sr + cy*cr
	r12 := sy*sp*cr - cy*sr

	r20 := -sp
	r21 := cp * sr
	r22 := cp * cr

	return [3]float64{
		r00*v[0] + r01*v[1] + r02*v[2],
		r10*v[0] + r11*v[1] + r12*v[2],
		r20*v[0] + r21*v[1] + r22*v[2],
	}
}
