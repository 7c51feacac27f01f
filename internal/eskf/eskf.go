// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package eskf implements the nine-state kinematic filter at the center of
// the fusion pipeline: position, velocity, and accelerometer bias in the
// East-North-Up frame, with ZUPT and motion-constraint pseudo-measurement
// updates. The state vector is the nominal kinematic state, not a Kalman
// error state; the "ESKF" name follows the reference implementation this
// was built against.
package eskf

import (
	"gonum.org/v1/gonum/mat"
)

// N is the state dimension: 3 position + 3 velocity + 3 accelerometer bias.
const N = 9

// Axis indices into the state vector.
const (
	PE = 0
	PN = 1
	PU = 2
	VE = 3
	VN = 4
	VU = 5
	BE = 6
	BN = 7
	BU = 8
)

// singularDetThreshold guards the ZUPT update's 3x3 inversion: below this,
// the inverse is replaced by identity rather than propagating NaN.
const singularDetThreshold = 1e-10

// Params are the process- and measurement-noise parameters the filter is
// driven by. They are read-only within a single Predict/Update call.
type Params struct {
	Qv  float64 // velocity process noise power, m^2/s^4
	Qba float64 // bias random-walk power, (m/s^2)^2/s
	Rv  float64 // ZUPT measurement noise, m^2/s^2
	Ry  float64 // lateral-constraint measurement noise, m^2
}

// DefaultParams matches the reference device's shipped tuning.
var DefaultParams = Params{
	Qv:  5e-4,
	Qba: 1e-6,
	Rv:  2e-4,
	Ry:  5e-3,
}

// initialPositionStd, initialVelocityStd, initialBiasStd seed the initial
// covariance diagonal at filter creation and reset.
const (
	initialPositionStd = 0.01   // m
	initialVelocityStd = 0.001  // m/s
	initialBiasStd     = 0.01   // m/s^2
)

// State is the filter's nine-dimensional estimate and its covariance.
// x is [p_E, p_N, p_U, v_E, v_N, v_U, b_E, b_N, b_U].
type State struct {
	x *mat.VecDense
	P *mat.SymDense
}

// New returns a filter state at the origin with conservative initial
// covariance, as specified for filter creation and reset.
func New() *State {
	s := &State{
		x: mat.NewVecDense(N, nil),
		P: mat.NewSymDense(N, nil),
	}
	s.seedCovariance()
	return s
}

// Reset returns the state to the origin with the initial covariance,
// discarding all accumulated estimate.
func (s *State) Reset() {
	for i := 0; i < N; i++ {
		s.x.SetVec(i, 0)
	}
	s.seedCovariance()
}

func (s *State) seedCovariance() {
	for i := 0; i < N; i++ {
		for j := 0; j < N; j++ {
			s.P.SetSym(i, j, 0)
		}
	}
	posVar := initialPositionStd * initialPositionStd
	velVar := initialVelocityStd * initialVelocityStd
	biasVar := initialBiasStd * initialBiasStd
	for i := PE; i <= PU; i++ {
		s.P.SetSym(i, i, posVar)
	}
	for i := VE; i <= VU; i++ {
		s.P.SetSym(i, i, velVar)
	}
	for i := BE; i <= BU; i++ {
		s.P.SetSym(i, i, biasVar)
	}
}

// Position returns the current position estimate in meters (E, N, U).
func (s *State) Position() [3]float64 {
	return [3]float64{s.x.AtVec(PE), s.x.AtVec(PN), s.x.AtVec(PU)}
}

// Velocity returns the current velocity estimate in m/s (E, N, U).
func (s *State) Velocity() [3]float64 {
	return [3]float64{s.x.AtVec(VE), s.x.AtVec(VN), s.x.AtVec(VU)}
}

// Bias returns the current accelerometer bias estimate in m/s^2 (E, N, U).
func (s *State) Bias() [3]float64 {
	return [3]float64{s.x.AtVec(BE), s.x.AtVec(BN), s.x.AtVec(BU)}
}

// SetPosition overwrites the position sub-state directly, used by the
// fusion loop's safety-clip policy when a clip needs to move position as
// well as zero the offending velocity component.
func (s *State) SetPosition(p [3]float64) {
	s.x.SetVec(PE, p[0])
	s.x.SetVec(PN, p[1])
	s.x.SetVec(PU, p[2])
}

// SetVelocity overwrites the velocity sub-state directly, used by the
// fusion loop's post-ZUPT velocity-floor policy.
func (s *State) SetVelocity(v [3]float64) {
	s.x.SetVec(VE, v[0])
	s.x.SetVec(VN, v[1])
	s.x.SetVec(VU, v[2])
}

// SetVelocityCovariance resets the 3x3 velocity sub-block of P to Rv*I,
// preserving cross-correlations with the position block. Used by the
// fusion loop after a ZUPT update to keep the filter from becoming
// overconfident about velocity while position priors remain informative.
func (s *State) SetVelocityCovariance(rv float64) {
	for i := VE; i <= VU; i++ {
		for j := VE; j <= VU; j++ {
			v := 0.0
			if i == j {
				v = rv
			}
			s.P.SetSym(i, j, v)
		}
	}
}

// Diag returns the covariance diagonal, useful for diagnostics and tests.
func (s *State) Diag() [N]float64 {
	var d [N]float64
	for i := 0; i < N; i++ {
		d[i] = s.P.At(i, i)
	}
	return d
}

// symmetrize forces P to exact numerical symmetry after an update, guarding
// against the asymmetry floating point error can introduce over many
// predict/update cycles.
func (s *State) symmetrize() {
	for i := 0; i < N; i++ {
		for j := i + 1; j < N; j++ {
			avg := (s.P.At(i, j) + s.P.At(j, i)) / 2
			s.P.SetSym(i, j, avg)
		}
	}
}

// Predict advances the state by dt seconds given ENU acceleration a
// (gravity removed, bias not yet removed) and the process-noise params.
func (s *State) Predict(dt float64, a [3]float64, params Params) {
	b := s.Bias()
	var aCorrected [3]float64
	for i := 0; i < 3; i++ {
		aCorrected[i] = a[i] - b[i]
	}

	p := s.Position()
	v := s.Velocity()
	var newP, newV [3]float64
	for i := 0; i < 3; i++ {
		newP[i] = p[i] + v[i]*dt + 0.5*aCorrected[i]*dt*dt
		newV[i] = v[i] + aCorrected[i]*dt
	}
	s.x.SetVec(PE, newP[0])
	s.x.SetVec(PN, newP[1])
	s.x.SetVec(PU, newP[2])
	s.x.SetVec(VE, newV[0])
	s.x.SetVec(VN, newV[1])
	s.x.SetVec(VU, newV[2])

	phi := transitionMatrix(dt)
	q := processNoise(dt, params)

	var phiP mat.Dense
	phiP.Mul(phi, s.P)
	var phiPPhiT mat.Dense
	phiPPhiT.Mul(&phiP, phi.T())

	next := mat.NewSymDense(N, nil)
	for i := 0; i < N; i++ {
		for j := i; j < N; j++ {
			next.SetSym(i, j, phiPPhiT.At(i, j)+q.At(i, j))
		}
	}
	s.P = next
	s.symmetrize()
}

// transitionMatrix builds Phi = I + F*dt with the p-v, v-b and p-b blocks.
// The p-b coupling term (-0.5*I*dt^2) must not be omitted: it is what lets
// a learned bias correct the position integral directly, not just through
// the velocity it has already corrupted.
func transitionMatrix(dt float64) *mat.Dense {
	phi := mat.NewDense(N, N, nil)
	for i := 0; i < N; i++ {
		phi.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		phi.Set(PE+i, VE+i, dt)
		phi.Set(VE+i, BE+i, -dt)
		phi.Set(PE+i, BE+i, -0.5*dt*dt)
	}
	return phi
}

// processNoise builds the discrete process-noise covariance Q: a
// white-acceleration driver fills each axis's (p,v) sub-block, and a
// random-walk term adds to the bias diagonal.
func processNoise(dt float64, params Params) *mat.SymDense {
	q := mat.NewSymDense(N, nil)
	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt3 * dt

	pp := params.Qv * dt4 / 4
	pv := params.Qv * dt3 / 2
	vv := params.Qv * dt2

	for i := 0; i < 3; i++ {
		q.SetSym(PE+i, PE+i, pp)
		q.SetSym(PE+i, VE+i, pv)
		q.SetSym(VE+i, VE+i, vv)
		q.SetSym(BE+i, BE+i, params.Qba*dt)
	}
	return q
}

// ZuptUpdate applies the pseudo-measurement v = 0. It always returns true;
// when the innovation covariance is numerically singular, identity is used
// in place of its inverse rather than propagating NaN.
func (s *State) ZuptUpdate(params Params) bool {
	v := s.Velocity()

	Sd := extractBlock(s.P, VE, VU)
	for i := 0; i < 3; i++ {
		Sd.Set(i, i, Sd.At(i, i)+params.Rv)
	}

	det := mat.Det(Sd)
	Sinv := mat.NewDense(3, 3, nil)
	if absf(det) < singularDetThreshold {
		for i := 0; i < 3; i++ {
			Sinv.Set(i, i, 1)
		}
	} else if err := Sinv.Inverse(Sd); err != nil {
		Sinv = mat.NewDense(3, 3, nil)
		for i := 0; i < 3; i++ {
			Sinv.Set(i, i, 1)
		}
	}

	// H = [0 I 0]: P*H^T is just the columns of P for the velocity block.
	pHt := mat.NewDense(N, 3, nil)
	for i := 0; i < N; i++ {
		for j := 0; j < 3; j++ {
			pHt.Set(i, j, s.P.At(i, VE+j))
		}
	}

	var K mat.Dense
	K.Mul(pHt, Sinv)

	y := mat.NewVecDense(3, []float64{-v[0], -v[1], -v[2]})
	var correction mat.VecDense
	correction.MulVec(&K, y)
	var newX mat.VecDense
	newX.AddVec(s.x, &correction)
	s.x = &newX

	R := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		R.SetSym(i, i, params.Rv)
	}
	s.josephUpdateVector(&K, VE, 3, R)
	s.symmetrize()
	return true
}

// PlanarUpdate applies a single-axis position constraint toward zero on
// the given state index (PE or PN).
func (s *State) PlanarUpdate(axisIndex int, ry float64) {
	s.scalarPositionUpdate(axisIndex, 0, ry)
}

// LineVerticalUpdate sequentially constrains E and N toward the learned
// anchor position, one scalar update per axis.
func (s *State) LineVerticalUpdate(anchorE, anchorN, ry float64) {
	s.scalarPositionUpdate(PE, anchorE, ry)
	s.scalarPositionUpdate(PN, anchorN, ry)
}

// scalarPositionUpdate applies a single scalar pseudo-measurement
// p[axisIndex] = target with noise ry, in Joseph form.
func (s *State) scalarPositionUpdate(axisIndex int, target, ry float64) {
	pVal := s.x.AtVec(axisIndex)
	variance := s.P.At(axisIndex, axisIndex)
	sVal := variance + ry
	if absf(sVal) < singularDetThreshold {
		return
	}

	// K is column axisIndex of P scaled by 1/S.
	K := mat.NewVecDense(N, nil)
	for i := 0; i < N; i++ {
		K.SetVec(i, s.P.At(i, axisIndex)/sVal)
	}

	innovation := target - pVal
	var correction mat.VecDense
	correction.ScaleVec(innovation, K)
	var newX mat.VecDense
	newX.AddVec(s.x, &correction)
	s.x = &newX

	R := mat.NewSymDense(1, []float64{ry})
	s.josephUpdateVector(columnAsDense(K), axisIndex, 1, R)
	s.symmetrize()
}

// josephUpdateVector applies the Joseph-form covariance update
// P <- (I - K H) P (I - K H)^T + K R K^T, where H selects the
// [hStart, hStart+hWidth) rows of the identity.
func (s *State) josephUpdateVector(K mat.Matrix, hStart, hWidth int, R mat.Matrix) {
	kRows, kCols := K.Dims()
	if kCols != hWidth || kRows != N {
		panic("eskf: gain matrix dimension mismatch")
	}

	KH := mat.NewDense(N, N, nil)
	for i := 0; i < N; i++ {
		for j := 0; j < hWidth; j++ {
			KH.Set(i, hStart+j, K.At(i, j))
		}
	}

	IminusKH := mat.NewDense(N, N, nil)
	for i := 0; i < N; i++ {
		IminusKH.Set(i, i, 1)
	}
	IminusKH.Sub(IminusKH, KH)

	var left mat.Dense
	left.Mul(IminusKH, s.P)
	var term1 mat.Dense
	term1.Mul(&left, IminusKH.T())

	var KR mat.Dense
	KR.Mul(K, R)
	var term2 mat.Dense
	term2.Mul(&KR, K.T())

	next := mat.NewSymDense(N, nil)
	for i := 0; i < N; i++ {
		for j := i; j < N; j++ {
			next.SetSym(i, j, term1.At(i, j)+term2.At(i, j))
		}
	}
	s.P = next
}

// extractBlock returns the contiguous diagonal block P[lo:hi+1, lo:hi+1].
func extractBlock(P *mat.SymDense, lo, hi int) *mat.Dense {
	size := hi - lo + 1
	out := mat.NewDense(size, size, nil)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			out.Set(i, j, P.At(lo+i, lo+j))
		}
	}
	return out
}

// columnAsDense wraps a VecDense as a single-column Dense for use where a
// mat.Matrix with explicit column count is required.
func columnAsDense(v *mat.VecDense) *mat.Dense {
	out := mat.NewDense(N, 1, nil)
	for i := 0; i < N; i++ {
		out.Set(i, 0, v.AtVec(i))
	}
	return out
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
