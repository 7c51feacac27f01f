// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session is the thin collaborator interface for workout/session
// bookkeeping, which the spec treats as an external system the fusion
// loop only talks to through this interface.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/bartrack/internal/repcount"
)

// ID identifies an open workout session.
type ID int64

// Recorder is the out-of-scope session/workout bookkeeping collaborator.
// The fusion loop and cmd/bartrackd depend only on this interface; a real
// deployment would back it with a database or remote service.
type Recorder interface {
	BeginSet(ctx context.Context) (ID, error)
	RecordRep(ctx context.Context, id ID, ev repcount.RepEvent) error
}

// NoopRecorder is an in-memory Recorder that assigns incrementing session
// IDs and drops rep records, wired by default where no real session
// bookkeeping backend is configured.
type NoopRecorder struct {
	mu     sync.Mutex
	nextID int64
	reps   atomic.Int64
}

// NewNoopRecorder returns a ready-to-use no-op recorder.
func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

// BeginSet returns a freshly minted session ID; it does not persist
// anything.
func (r *NoopRecorder) BeginSet(ctx context.Context) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return ID(r.nextID), nil
}

// RecordRep counts the rep but does not persist it.
func (r *NoopRecorder) RecordRep(ctx context.Context, id ID, ev repcount.RepEvent) error {
	r.reps.Add(1)
	return nil
}

// RepsRecorded returns how many RecordRep calls have been made, useful
// for tests and diagnostics.
func (r *NoopRecorder) RepsRecorded() int64 {
	return r.reps.Load()
}
