// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package link is the bartrack-specific stand-in for the wireless link
// collaborator described in the spec: on a development bench the bar
// sensor's BLE/radio dongle enumerates as a serial device, so this opens
// it with go-serial and decodes frames off a buffered reader, the same
// pattern the reference device uses for its GPS serial link.
package link

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/bartrack/internal/imu"
)

// Link owns the open serial port and decodes the byte stream into
// imu.ImuSample values delivered on a channel.
type Link struct {
	port    io.ReadWriteCloser
	reader  *bufio.Reader
	samples chan imu.ImuSample
	seq     *imu.CommandSequencer
}

// Open opens portName at baud and starts a background reader goroutine
// that decodes frames and publishes samples on the returned Link's
// channel. The caller owns the Link's lifetime and must call Close.
func Open(portName string, baud int) (*Link, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", portName, err)
	}

	l := &Link{
		port:    port,
		reader:  bufio.NewReaderSize(port, 256),
		samples: make(chan imu.ImuSample, 32),
	}
	l.seq = imu.NewCommandSequencer(port)

	go l.readLoop()
	return l, nil
}

// Samples returns the channel of decoded samples. The read loop never
// blocks on this channel staying full for long: it drops the oldest
// buffered sample rather than stall the serial reader.
func (l *Link) Samples() <-chan imu.ImuSample {
	return l.samples
}

// SetRate requests a sensor output-rate change via the command sequencer.
func (l *Link) SetRate(hz int) error {
	return l.seq.SetRate(hz)
}

// Close closes the underlying serial port; the read loop exits on its
// next read error.
func (l *Link) Close() error {
	return l.port.Close()
}

// readLoop accumulates bytes, looks for a recognized frame header, and
// decodes data frames into samples. It isolates panics the way the
// reference device's background producers do: log and continue rather
// than take down the process.
func (l *Link) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("link: read loop panic: %v", r)
		}
	}()

	buf := make([]byte, 0, 64)
	scratch := make([]byte, 64)

	for {
		n, err := l.reader.Read(scratch)
		if n > 0 {
			buf = append(buf, scratch[:n]...)
		}
		if err != nil {
			log.Printf("link: read error: %v", err)
			return
		}

		for {
			consumed, sample, ok := tryDecode(buf, nowMs())
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			if ok {
				l.publish(sample)
			}
		}
	}
}

// tryDecode looks for a data-frame header in buf and attempts to decode
// it. It returns the number of bytes to discard from the front of buf (0
// means "need more data") and whether a sample was produced.
func tryDecode(buf []byte, tsMs int64) (consumed int, sample imu.ImuSample, ok bool) {
	if len(buf) < 2 {
		return 0, imu.ImuSample{}, false
	}
	if buf[0] != 0x55 {
		return 1, imu.ImuSample{}, false
	}
	if buf[1] != 0x61 {
		// Not a data frame header we decode here; drop one byte and
		// keep scanning. Response frames are not decoded: their bytes
		// are skipped like any other non-data bytes.
		return 1, imu.ImuSample{}, false
	}
	if len(buf) < 20 {
		return 0, imu.ImuSample{}, false
	}
	s, decoded := imu.DecodeDataFrame(buf[:20], tsMs)
	return 20, s, decoded
}

func (l *Link) publish(s imu.ImuSample) {
	select {
	case l.samples <- s:
	default:
		select {
		case <-l.samples:
		default:
		}
		select {
		case l.samples <- s:
		default:
		}
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
