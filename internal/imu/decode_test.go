// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"encoding/binary"
	"testing"
)

func buildDataFrame(accel, gyro, euler [3]int16) []byte {
	b := make([]byte, minDataLen)
	b[0] = headerByte0
	b[1] = dataHeader1
	binary.LittleEndian.PutUint16(b[2:4], uint16(accel[0]))
	binary.LittleEndian.PutUint16(b[4:6], uint16(accel[1]))
	binary.LittleEndian.PutUint16(b[6:8], uint16(accel[2]))
	binary.LittleEndian.PutUint16(b[8:10], uint16(gyro[0]))
	binary.LittleEndian.PutUint16(b[10:12], uint16(gyro[1]))
	binary.LittleEndian.PutUint16(b[12:14], uint16(gyro[2]))
	binary.LittleEndian.PutUint16(b[14:16], uint16(euler[0]))
	binary.LittleEndian.PutUint16(b[16:18], uint16(euler[1]))
	binary.LittleEndian.PutUint16(b[18:20], uint16(euler[2]))
	return b
}

func TestDecodeDataFrameScaling(t *testing.T) {
	// 16384 is half of 32768, so accel scales to 8g, gyro to 1000 dps,
	// euler to 90 degrees on each axis.
	frame := buildDataFrame([3]int16{16384, 0, 0}, [3]int16{0, 16384, 0}, [3]int16{0, 0, 16384})
	s, ok := DecodeDataFrame(frame, 1000)
	if !ok {
		t.Fatalf("expected frame to decode")
	}
	if s.TimestampMs != 1000 {
		t.Errorf("timestamp = %d, want 1000", s.TimestampMs)
	}
	if got, want := s.AccelG[0], 8.0; abs(got-want) > 1e-6 {
		t.Errorf("AccelG[0] = %v, want %v", got, want)
	}
	if got, want := s.GyroDps[1], 1000.0; abs(got-want) > 1e-6 {
		t.Errorf("GyroDps[1] = %v, want %v", got, want)
	}
	if got, want := s.EulerDeg[2], 90.0; abs(got-want) > 1e-6 {
		t.Errorf("EulerDeg[2] = %v, want %v", got, want)
	}
}

func TestDecodeDataFrameRejectsBadHeader(t *testing.T) {
	frame := buildDataFrame([3]int16{}, [3]int16{}, [3]int16{})
	frame[1] = 0x00
	if _, ok := DecodeDataFrame(frame, 0); ok {
		t.Errorf("expected decode to fail on bad header")
	}
}

func TestDecodeDataFrameRejectsShortBuffer(t *testing.T) {
	frame := buildDataFrame([3]int16{}, [3]int16{}, [3]int16{})
	if _, ok := DecodeDataFrame(frame[:10], 0); ok {
		t.Errorf("expected decode to fail on short buffer")
	}
}

func buildRespFrame(reg, val uint16) []byte {
	b := make([]byte, minRespLen)
	b[0] = headerByte0
	b[1] = respHeader1
	binary.LittleEndian.PutUint16(b[2:4], reg)
	binary.LittleEndian.PutUint16(b[4:6], val)
	return b
}

func TestDecodeResponseFrameRate(t *testing.T) {
	frame := buildRespFrame(RegRate, 0x09)
	resp, ok := DecodeResponseFrame(frame)
	if !ok {
		t.Fatalf("expected frame to decode")
	}
	if !resp.RateKnown || resp.RateHz != 100 {
		t.Errorf("RateHz = %d (known=%v), want 100", resp.RateHz, resp.RateKnown)
	}
}

func TestDecodeResponseFrameBattery(t *testing.T) {
	cases := []struct {
		centivolts uint16
		want       int
	}{
		{400, 100},
		{396, 100},
		{390, 75},
		{380, 50},
		{375, 30},
		{360, 10},
		{345, 5},
		{335, 0},
		{300, 0},
	}
	for _, c := range cases {
		frame := buildRespFrame(RegBattery, c.centivolts)
		resp, ok := DecodeResponseFrame(frame)
		if !ok {
			t.Fatalf("expected frame to decode")
		}
		if resp.BatteryPercent != c.want {
			t.Errorf("centivolts=%d: BatteryPercent = %d, want %d", c.centivolts, resp.BatteryPercent, c.want)
		}
	}
}

func TestDecodeResponseFrameTemperature(t *testing.T) {
	frame := buildRespFrame(RegTemperature, uint16(int16(2550)))
	resp, ok := DecodeResponseFrame(frame)
	if !ok {
		t.Fatalf("expected frame to decode")
	}
	if got, want := resp.TemperatureC, 25.5; abs(got-want) > 1e-6 {
		t.Errorf("TemperatureC = %v, want %v", got, want)
	}
}

func TestDecodeResponseFrameRejectsBadHeader(t *testing.T) {
	frame := buildRespFrame(RegRate, 0x09)
	frame[1] = 0x00
	if _, ok := DecodeResponseFrame(frame); ok {
		t.Errorf("expected decode to fail on bad header")
	}
}

func TestEncodeSetRateCommandUnsupported(t *testing.T) {
	if _, err := EncodeSetRateCommand(33); err == nil {
		t.Errorf("expected error for unsupported rate")
	}
}

func TestEncodeSetRateCommandKnown(t *testing.T) {
	cmd, err := EncodeSetRateCommand(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0xFF, 0xAA, 0x03, 0x09, 0x00}
	if len(cmd) != len(want) {
		t.Fatalf("len(cmd) = %d, want %d", len(cmd), len(want))
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Errorf("cmd[%d] = %#x, want %#x", i, cmd[i], want[i])
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
