// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/bartrack/internal/calibration"
	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/link"
)

// calibrationMessage is the WebSocket request from the UI: init opens the
// link and starts the stationary phase, next advances once the minimum
// phase duration has elapsed, cancel tears the session down early.
type calibrationMessage struct {
	Action string `json:"action"` // init, next, cancel
}

// calibrationResponse reports sequencer state back to the UI after every
// action and on a periodic tick while a phase is in progress.
type calibrationResponse struct {
	Type       string               `json:"type"` // phase, result, error
	Phase      string               `json:"phase,omitempty"`
	CanAdvance bool                 `json:"can_advance,omitempty"`
	Result     *calibration.Result  `json:"result,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// calibrationSession owns one guided calibration run: a dedicated link
// connection and the sequencer it feeds, protected by a mutex since the
// feeder goroutine and the WebSocket message loop both touch it.
type calibrationSession struct {
	mu     sync.Mutex
	seq    *calibration.Sequencer
	link   *link.Link
	done   chan struct{}
	cfg    *config.Config
	bundle config.ParameterBundle
}

// HandleCalibrationWS drives a guided calibration session over a
// WebSocket, mirroring the reference device's init/next/cancel protocol
// but against internal/calibration.Sequencer instead of ad hoc IMU steps.
func HandleCalibrationWS(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("calibration: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	var session *calibrationSession
	defer func() {
		if session != nil {
			session.stop()
		}
	}()

	for {
		var msg calibrationMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("calibration: websocket read error: %v", err)
			return
		}

		switch msg.Action {
		case "init":
			if session != nil {
				session.stop()
			}
			s, err := newCalibrationSession(cfg)
			if err != nil {
				conn.WriteJSON(calibrationResponse{Type: "error", Message: err.Error()})
				continue
			}
			session = s
			go session.tick(conn)
			conn.WriteJSON(calibrationResponse{Type: "phase", Phase: session.phase().String()})

		case "next":
			if session == nil {
				conn.WriteJSON(calibrationResponse{Type: "error", Message: "call init first"})
				continue
			}
			if !session.advance() {
				conn.WriteJSON(calibrationResponse{Type: "error", Message: "minimum phase duration has not elapsed"})
				continue
			}
			phase := session.phase()
			resp := calibrationResponse{Type: "phase", Phase: phase.String()}
			if phase == calibration.Complete {
				result := session.result()
				resp.Type = "result"
				resp.Result = &result
			}
			conn.WriteJSON(resp)

		case "cancel":
			if session != nil {
				session.stop()
				session = nil
			}
			conn.WriteJSON(calibrationResponse{Type: "phase", Phase: calibration.Idle.String()})
		}
	}
}

func newCalibrationSession(cfg *config.Config) (*calibrationSession, error) {
	bundle, err := config.LoadParameterBundle(cfg.ParamStorePath)
	if err != nil {
		log.Printf("calibration: no parameter store at %s, using defaults: %v", cfg.ParamStorePath, err)
	}

	l, err := link.Open(cfg.LinkSerialPort, cfg.LinkBaudRate)
	if err != nil {
		return nil, err
	}

	s := &calibrationSession{
		seq:    calibration.New(),
		link:   l,
		done:   make(chan struct{}),
		cfg:    cfg,
		bundle: bundle,
	}
	s.seq.Start(time.Now().UnixMilli())
	go s.feed()
	return s, nil
}

func (s *calibrationSession) feed() {
	for {
		select {
		case <-s.done:
			return
		case sample := <-s.link.Samples():
			s.mu.Lock()
			s.seq.Feed(sample.ToImu20())
			s.mu.Unlock()
		}
	}
}

// tick periodically reports the current phase's advanceability so the UI
// can enable its "next" control without the operator having to poll.
func (s *calibrationSession) tick(conn *websocket.Conn) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			phase := s.seq.Phase()
			canAdvance := s.seq.CanAdvance(time.Now().UnixMilli())
			s.mu.Unlock()
			if phase == calibration.Complete {
				return
			}
			if err := conn.WriteJSON(calibrationResponse{Type: "phase", Phase: phase.String(), CanAdvance: canAdvance}); err != nil {
				return
			}
		}
	}
}

func (s *calibrationSession) phase() calibration.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Phase()
}

func (s *calibrationSession) advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seq.CanAdvance(time.Now().UnixMilli()) {
		return false
	}
	s.seq.AdvancePhase(time.Now().UnixMilli())
	return true
}

// result returns the sequencer's analysis and persists the derived ZUPT
// thresholds into the parameter store, matching cmd/calibrate's save step.
func (s *calibrationSession) result() calibration.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.seq.Result()
	if res.Applied {
		s.bundle.ZuptParams = res.ZuptParams
		if err := config.SaveParameterBundle(s.cfg.ParamStorePath, s.bundle); err != nil {
			log.Printf("calibration: failed to save parameter store: %v", err)
		}
	}
	return res
}

func (s *calibrationSession) stop() {
	close(s.done)
	s.link.Close()
}
