// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package ringbuffer holds a fixed-capacity window of the most recent
// mechanized samples for the ZUPT detector's "all samples quiet" test.
package ringbuffer

import "github.com/relabs-tech/bartrack/internal/mech"

// DefaultCapacity is the reference window length: 6 samples at the nominal
// 20 Hz rate is about 300 ms, the ZUPT detector's quiet-window duration.
const DefaultCapacity = 6

// Buffer is a fixed-capacity, oldest-discard ring of mech.EnuSample.
type Buffer struct {
	samples []mech.EnuSample
	cap     int
	start   int
	n       int
}

// New returns an empty buffer with the given capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		samples: make([]mech.EnuSample, capacity),
		cap:     capacity,
	}
}

// Append adds a sample, discarding the oldest if the buffer is full.
func (b *Buffer) Append(s mech.EnuSample) {
	idx := (b.start + b.n) % b.cap
	b.samples[idx] = s
	if b.n < b.cap {
		b.n++
	} else {
		b.start = (b.start + 1) % b.cap
	}
}

// Len returns the number of samples currently held.
func (b *Buffer) Len() int {
	return b.n
}

// Full reports whether the buffer holds a full window.
func (b *Buffer) Full() bool {
	return b.n == b.cap
}

// View returns the buffered samples in chronological (oldest-first) order.
// The returned slice is a fresh copy and safe for the caller to retain.
func (b *Buffer) View() []mech.EnuSample {
	out := make([]mech.EnuSample, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.samples[(b.start+i)%b.cap]
	}
	return out
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.start = 0
	b.n = 0
}
