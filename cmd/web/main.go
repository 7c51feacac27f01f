// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// web serves the JSON API and WebSocket live feed: it mirrors the fused
// state and diagnostics published over MQTT by bartrackd, and drives the
// interactive calibration sequence over its own WebSocket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/diagnostics"
	"github.com/relabs-tech/bartrack/internal/fusion"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mirror caches the latest state/diagnostics seen over MQTT so the HTTP API
// has something to answer with between snapshots, and fans live state out
// to /ws/state subscribers.
type mirror struct {
	mu sync.RWMutex

	haveState bool
	state     fusion.Snapshot

	diag map[string]diagnostics.Sample

	wsMu   sync.Mutex
	wsConn map[*websocket.Conn]struct{}
}

func newMirror() *mirror {
	return &mirror{diag: make(map[string]diagnostics.Sample), wsConn: make(map[*websocket.Conn]struct{})}
}

func (m *mirror) setState(s fusion.Snapshot) {
	m.mu.Lock()
	m.state = s
	m.haveState = true
	m.mu.Unlock()

	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	m.broadcast(payload)
}

func (m *mirror) setDiag(channel string, s diagnostics.Sample) {
	m.mu.Lock()
	m.diag[channel] = s
	m.mu.Unlock()
}

func (m *mirror) getState() (fusion.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.haveState
}

func (m *mirror) getDiag(channel string) (diagnostics.Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.diag[channel]
	return s, ok
}

func (m *mirror) addConn(c *websocket.Conn) {
	m.wsMu.Lock()
	m.wsConn[c] = struct{}{}
	m.wsMu.Unlock()
}

func (m *mirror) removeConn(c *websocket.Conn) {
	m.wsMu.Lock()
	delete(m.wsConn, c)
	m.wsMu.Unlock()
}

func (m *mirror) broadcast(payload []byte) {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	for c := range m.wsConn {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close()
			delete(m.wsConn, c)
		}
	}
}

func main() {
	configPath := flag.String("config", "./bartrack_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting bartrack web server")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("web: mqtt connect: %v", token.Error())
	}
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	mir := newMirror()

	stateToken := client.Subscribe(cfg.TopicState, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s fusion.Snapshot
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("web: state unmarshal error: %v", err)
			return
		}
		mir.setState(s)
	})
	stateToken.Wait()
	if stateToken.Error() != nil {
		log.Fatalf("web: subscribe %s: %v", cfg.TopicState, stateToken.Error())
	}
	log.Printf("web: subscribed to %s", cfg.TopicState)

	diagFilter := cfg.TopicDiagBase + "/#"
	diagToken := client.Subscribe(diagFilter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		channel := strings.TrimPrefix(msg.Topic(), cfg.TopicDiagBase+"/")
		var s diagnostics.Sample
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("web: diagnostics unmarshal error: %v", err)
			return
		}
		mir.setDiag(channel, s)
	})
	diagToken.Wait()
	if diagToken.Error() != nil {
		log.Fatalf("web: subscribe %s: %v", diagFilter, diagToken.Error())
	}
	log.Printf("web: subscribed to %s", diagFilter)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		s, ok := mir.getState()
		if !ok {
			http.Error(w, "no state yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, s)
	})

	mux.HandleFunc("GET /api/diagnostics/{channel}", func(w http.ResponseWriter, r *http.Request) {
		channel := r.PathValue("channel")
		s, ok := mir.getDiag(channel)
		if !ok {
			http.Error(w, fmt.Sprintf("no data yet for channel %q", channel), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, s)
	})

	mux.HandleFunc("GET /api/params", func(w http.ResponseWriter, r *http.Request) {
		bundle, err := config.LoadParameterBundle(cfg.ParamStorePath)
		if err != nil {
			log.Printf("web: params load fell back to defaults: %v", err)
		}
		writeJSON(w, bundle)
	})

	mux.HandleFunc("POST /api/params", func(w http.ResponseWriter, r *http.Request) {
		var next config.ParameterBundle
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		if err := config.SaveParameterBundle(cfg.ParamStorePath, next); err != nil {
			http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /ws/state", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: state websocket upgrade error: %v", err)
			return
		}
		mir.addConn(conn)
		defer mir.removeConn(conn)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("GET /ws/calibration", func(w http.ResponseWriter, r *http.Request) {
		HandleCalibrationWS(w, r, cfg)
	})

	fs := http.FileServer(http.Dir("web"))
	mux.Handle("/", fs)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web: listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: JSON encode error: %v", err)
	}
}
