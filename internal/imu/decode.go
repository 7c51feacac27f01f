// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "encoding/binary"

// Frame headers. Data frames carry accel/gyro/Euler; response frames answer
// a register read with a single 16-bit value.
const (
	headerByte0  = 0x55
	dataHeader1  = 0x61
	respHeader1  = 0x71
	minDataLen   = 20
	minRespLen   = 7
)

// Response register selectors (offsets 2-3, little-endian).
const (
	RegRate        uint16 = 0x03
	RegTemperature uint16 = 0x40
	RegBattery     uint16 = 0x64
)

// DecodeDataFrame parses a fixed-layout data frame (header 0x55 0x61,
// length >= 20) into an ImuSample. It fails silently — returning false
// rather than an error — on header mismatch or a short buffer, matching
// the wire protocol's "no sample" convention: a malformed frame must never
// interrupt the caller's read loop.
func DecodeDataFrame(b []byte, timestampMs int64) (ImuSample, bool) {
	if len(b) < minDataLen {
		return ImuSample{}, false
	}
	if b[0] != headerByte0 || b[1] != dataHeader1 {
		return ImuSample{}, false
	}

	var s ImuSample
	s.TimestampMs = timestampMs
	s.AccelG[0] = scaleInt16(b, 2, (1.0/32768.0)*16)
	s.AccelG[1] = scaleInt16(b, 4, (1.0/32768.0)*16)
	s.AccelG[2] = scaleInt16(b, 6, (1.0/32768.0)*16)

	s.GyroDps[0] = scaleInt16(b, 8, (1.0/32768.0)*2000)
	s.GyroDps[1] = scaleInt16(b, 10, (1.0/32768.0)*2000)
	s.GyroDps[2] = scaleInt16(b, 12, (1.0/32768.0)*2000)

	s.EulerDeg[0] = scaleInt16(b, 14, (1.0/32768.0)*180)
	s.EulerDeg[1] = scaleInt16(b, 16, (1.0/32768.0)*180)
	s.EulerDeg[2] = scaleInt16(b, 18, (1.0/32768.0)*180)

	return s, true
}

func scaleInt16(b []byte, offset int, scale float64) float64 {
	raw := int16(binary.LittleEndian.Uint16(b[offset : offset+2]))
	return float64(raw) * scale
}

// RateCodeToHz maps the sensor's sample-rate register code to Hz.
var RateCodeToHz = map[uint16]int{
	0x06: 10,
	0x07: 20,
	0x08: 50,
	0x09: 100,
	0x0B: 200,
}

// RegisterResponse is a decoded answer to a register read command.
type RegisterResponse struct {
	Register uint16
	RawValue uint16

	// Populated when Register is a known selector.
	RateHz         int
	RateKnown      bool
	TemperatureC   float64
	BatteryPercent int
}

// DecodeResponseFrame parses a response frame (header 0x55 0x71) with a
// 16-bit register selector at offsets 2-3. Unknown registers still return
// the raw value; RateKnown is false if the register is not RegRate.
func DecodeResponseFrame(b []byte) (RegisterResponse, bool) {
	if len(b) < minRespLen {
		return RegisterResponse{}, false
	}
	if b[0] != headerByte0 || b[1] != respHeader1 {
		return RegisterResponse{}, false
	}

	reg := binary.LittleEndian.Uint16(b[2:4])
	raw := binary.LittleEndian.Uint16(b[4:6])

	resp := RegisterResponse{Register: reg, RawValue: raw}
	switch reg {
	case RegRate:
		if hz, ok := RateCodeToHz[raw]; ok {
			resp.RateHz = hz
			resp.RateKnown = true
		}
	case RegTemperature:
		resp.TemperatureC = float64(int16(raw)) / 100.0
	case RegBattery:
		resp.BatteryPercent = batteryPercent(raw)
	}
	return resp, true
}

// batteryBoundary maps a centivolt boundary to the percentage reported at
// or above it. Boundaries are checked from highest to lowest.
type batteryBoundary struct {
	centivolts uint16
	percent    int
}

var batteryTable = []batteryBoundary{
	{396, 100},
	{393, 90},
	{387, 75},
	{382, 60},
	{379, 50},
	{377, 40},
	{373, 30},
	{370, 20},
	{368, 15},
	{350, 10},
	{340, 5},
}

// batteryPercent converts a raw battery-voltage reading in centivolts to a
// percentage using the piecewise table in the device datasheet.
func batteryPercent(centivolts uint16) int {
	for _, b := range batteryTable {
		if centivolts >= b.centivolts {
			return b.percent
		}
	}
	return 0
}
