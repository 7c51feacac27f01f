// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"fmt"
	"time"
)

// Command frame header. All command frames are 5 bytes: this two-byte
// header, a register or sub-command byte, a value byte, and a trailing
// zero.
var cmdHeader = [2]byte{0xFF, 0xAA}

// hzToRateCode is the inverse of RateCodeToHz.
var hzToRateCode = map[int]byte{
	10:  0x06,
	20:  0x07,
	50:  0x08,
	100: 0x09,
	200: 0x0B,
}

// EncodeReadRateCommand builds the frame requesting the current sample
// rate register.
func EncodeReadRateCommand() []byte {
	return []byte{cmdHeader[0], cmdHeader[1], 0x27, 0x03, 0x00}
}

// EncodeReadBatteryCommand builds the frame requesting the battery-voltage
// register.
func EncodeReadBatteryCommand() []byte {
	return []byte{cmdHeader[0], cmdHeader[1], 0x27, 0x64, 0x00}
}

// EncodeReadTemperatureCommand builds the frame requesting the
// temperature register.
func EncodeReadTemperatureCommand() []byte {
	return []byte{cmdHeader[0], cmdHeader[1], 0x27, 0x40, 0x00}
}

// EncodeReadRegisterCommand builds a generic register-read frame. reg is
// truncated to a single byte; callers needing the three well-known
// registers should prefer the dedicated Encode* functions instead.
func EncodeReadRegisterCommand(reg uint16) []byte {
	return []byte{cmdHeader[0], cmdHeader[1], 0x27, byte(reg), 0x00}
}

// EncodeSaveCommand builds the frame that persists the sensor's current
// configuration to non-volatile memory.
func EncodeSaveCommand() []byte {
	return []byte{cmdHeader[0], cmdHeader[1], 0x00, 0x00, 0x00}
}

// EncodeSetRateCommand builds the frame requesting a new output rate. hz
// must be one of the rates the sensor supports (10, 20, 50, 100, 200);
// any other value is an error.
func EncodeSetRateCommand(hz int) ([]byte, error) {
	code, ok := hzToRateCode[hz]
	if !ok {
		return nil, fmt.Errorf("imu: unsupported rate %d Hz", hz)
	}
	return []byte{cmdHeader[0], cmdHeader[1], 0x03, code, 0x00}, nil
}

// Writer is the subset of a link's capability the command sequencer needs;
// satisfied by a serial port or any other byte sink.
type Writer interface {
	Write(p []byte) (int, error)
}

// CommandSequencer issues the write-then-save sequence the sensor expects
// when changing its configuration: it will not commit a rate change until
// it sees the save command, and it needs a short settling delay between
// the two so the change latches before being persisted.
type CommandSequencer struct {
	w     Writer
	delay time.Duration
}

// NewCommandSequencer returns a sequencer writing to w, waiting the
// sensor's documented 200ms settle time between a config write and save.
func NewCommandSequencer(w Writer) *CommandSequencer {
	return &CommandSequencer{w: w, delay: 200 * time.Millisecond}
}

// SetRate writes the rate-change command, waits for it to settle, then
// writes the save command.
func (c *CommandSequencer) SetRate(hz int) error {
	cmd, err := EncodeSetRateCommand(hz)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(cmd); err != nil {
		return fmt.Errorf("imu: write rate command: %w", err)
	}
	time.Sleep(c.delay)
	if _, err := c.w.Write(EncodeSaveCommand()); err != nil {
		return fmt.Errorf("imu: write save command: %w", err)
	}
	return nil
}
