// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package eskf

import (
	"math"
	"testing"
)

const tol = 1e-9

func isSymmetric(d [N]float64, s *State) bool {
	for i := 0; i < N; i++ {
		for j := 0; j < N; j++ {
			if math.Abs(s.P.At(i, j)-s.P.At(j, i)) > 1e-9 {
				return false
			}
		}
	}
	return true
}

func TestPredictKeepsCovarianceSymmetricAndNonNegativeDiagonal(t *testing.T) {
	s := New()
	for _, dt := range []float64{0.01, 0.05, 0.1, 0.2} {
		s.Predict(dt, [3]float64{0.3, -0.1, 1.0}, DefaultParams)
		if !isSymmetric(s.Diag(), s) {
			t.Fatalf("dt=%v: P not symmetric after predict", dt)
		}
		for i, v := range s.Diag() {
			if v < 0 {
				t.Errorf("dt=%v: diag[%d] = %v, want >= 0", dt, i, v)
			}
		}
	}
}

func TestZuptUpdateNonIncreasingVelocityVariance(t *testing.T) {
	s := New()
	s.Predict(0.05, [3]float64{0, 0, 0}, DefaultParams)
	before := s.Diag()

	s.ZuptUpdate(DefaultParams)
	after := s.Diag()

	for i := VE; i <= VU; i++ {
		if after[i] > before[i]+1e-12 {
			t.Errorf("velocity variance[%d] increased: before=%v after=%v", i, before[i], after[i])
		}
	}
	if !isSymmetric(after, s) {
		t.Errorf("P not symmetric after ZUPT update")
	}
}

func TestZuptUpdatePullsVelocityTowardZero(t *testing.T) {
	s := New()
	s.Predict(0.05, [3]float64{5, 5, 5}, DefaultParams)
	before := s.Velocity()
	s.ZuptUpdate(DefaultParams)
	v := s.Velocity()
	for i, val := range v {
		if math.Abs(val) >= math.Abs(before[i]) {
			t.Errorf("velocity[%d] = %v, expected ZUPT to pull it toward zero", i, val)
		}
	}
}

func TestPlanarUpdateNonIncreasingPositionVariance(t *testing.T) {
	s := New()
	s.Predict(0.05, [3]float64{0.2, 0, 0}, DefaultParams)
	before := s.Diag()[PE]
	s.PlanarUpdate(PE, DefaultParams.Ry)
	after := s.Diag()[PE]
	if after > before+1e-12 {
		t.Errorf("PE variance increased: before=%v after=%v", before, after)
	}
}

func TestLineVerticalUpdatePullsTowardAnchor(t *testing.T) {
	s := New()
	s.Predict(0.05, [3]float64{1, 1, 0}, DefaultParams)
	for i := 0; i < 20; i++ {
		s.Predict(0.05, [3]float64{1, 1, 0}, DefaultParams)
	}
	before := s.Position()
	s.LineVerticalUpdate(0, 0, DefaultParams.Ry)
	after := s.Position()
	if math.Abs(after[PE]) >= math.Abs(before[PE]) {
		t.Errorf("expected LineVerticalUpdate to pull p_E toward anchor: before=%v after=%v", before[PE], after[PE])
	}
}

func TestResetThenPredictZeroAccelerationStaysNearZero(t *testing.T) {
	s := New()
	s.Predict(0.05, [3]float64{1, -1, 2}, DefaultParams)
	s.Reset()
	const dt = 0.05
	const steps = 20
	for i := 0; i < steps; i++ {
		s.Predict(dt, [3]float64{0, 0, 0}, DefaultParams)
	}
	pos := s.Position()
	vel := s.Velocity()

	bound := float64(steps) * math.Sqrt(DefaultParams.Qv) * dt * 3
	for i, p := range pos {
		if math.Abs(p) > bound+0.01 {
			t.Errorf("position[%d] = %v exceeds drift bound %v", i, p, bound)
		}
	}
	for i, v := range vel {
		if math.Abs(v) > bound+0.01 {
			t.Errorf("velocity[%d] = %v exceeds drift bound %v", i, v, bound)
		}
	}
}

func TestZuptUpdateIdempotentUpToTightening(t *testing.T) {
	s := New()
	s.Predict(0.05, [3]float64{0, 0, 0}, DefaultParams)
	s.ZuptUpdate(DefaultParams)
	v1 := s.Velocity()
	d1 := s.Diag()

	s.ZuptUpdate(DefaultParams)
	v2 := s.Velocity()
	d2 := s.Diag()

	for i := range v1 {
		if math.Abs(v1[i]-v2[i]) > 1e-6 {
			t.Errorf("velocity changed materially on repeat ZUPT: %v vs %v", v1[i], v2[i])
		}
	}
	for i := VE; i <= VU; i++ {
		if d2[i] > d1[i]+1e-12 {
			t.Errorf("covariance loosened on repeat ZUPT at index %d", i)
		}
	}
}

func TestZuptUpdateSingularCovarianceFallsBackToIdentity(t *testing.T) {
	s := New()
	for i := VE; i <= VU; i++ {
		for j := VE; j <= VU; j++ {
			s.P.SetSym(i, j, 0)
		}
	}
	params := DefaultParams
	params.Rv = 0
	ok := s.ZuptUpdate(params)
	if !ok {
		t.Fatalf("expected ZuptUpdate to report completion even on singular S")
	}
	for _, v := range s.Diag() {
		if math.IsNaN(v) {
			t.Fatalf("covariance diagonal contains NaN after singular ZUPT update")
		}
	}
}

func TestSeedCovarianceInitialDiagonal(t *testing.T) {
	s := New()
	d := s.Diag()
	wantPos := initialPositionStd * initialPositionStd
	wantVel := initialVelocityStd * initialVelocityStd
	wantBias := initialBiasStd * initialBiasStd
	for i := PE; i <= PU; i++ {
		if math.Abs(d[i]-wantPos) > tol {
			t.Errorf("position diag[%d] = %v, want %v", i, d[i], wantPos)
		}
	}
	for i := VE; i <= VU; i++ {
		if math.Abs(d[i]-wantVel) > tol {
			t.Errorf("velocity diag[%d] = %v, want %v", i, d[i], wantVel)
		}
	}
	for i := BE; i <= BU; i++ {
		if math.Abs(d[i]-wantBias) > tol {
			t.Errorf("bias diag[%d] = %v, want %v", i, d[i], wantBias)
		}
	}
}
