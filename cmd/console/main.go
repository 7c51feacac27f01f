// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// console is an MQTT subscriber that prints live fusion state and
// completed reps to the terminal, for a bench session without the web UI.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/fusion"
	"github.com/relabs-tech/bartrack/internal/repcount"
)

func main() {
	configPath := flag.String("config", "./bartrack_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting bartrack console (MQTT subscriber)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("console: mqtt connect: %v", token.Error())
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	stateToken := client.Subscribe(cfg.TopicState, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s fusion.Snapshot
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("console: state unmarshal error: %v", err)
			return
		}
		fmt.Printf("STATE  t=%-9d status=%-11s zupt=%-5v p=(%6.3f,%6.3f,%6.3f) v=(%6.3f,%6.3f,%6.3f) rate=%5.1fHz\n",
			s.TimestampMs, s.Status, s.ZuptActive,
			s.Position[0], s.Position[1], s.Position[2],
			s.Velocity[0], s.Velocity[1], s.Velocity[2],
			s.LoopRateHz)
	})
	stateToken.Wait()
	if stateToken.Error() != nil {
		log.Fatalf("console: subscribe %s: %v", cfg.TopicState, stateToken.Error())
	}
	log.Printf("console: subscribed to %s", cfg.TopicState)

	repToken := client.Subscribe(cfg.TopicRep, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev repcount.RepEvent
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("console: rep unmarshal error: %v", err)
			return
		}
		fmt.Printf("REP #%-3d  rom=%5.1fcm  avg=%5.1fcm/s  peak=%5.1fcm/s  balance=%3d%%  duration=%dms\n",
			ev.Number, ev.ROMCm, ev.AvgVelocityCms, ev.PeakVelocityCms, ev.BalancePercent, ev.DurationMs)
	})
	repToken.Wait()
	if repToken.Error() != nil {
		log.Fatalf("console: subscribe %s: %v", cfg.TopicRep, repToken.Error())
	}
	log.Printf("console: subscribed to %s", cfg.TopicRep)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
}
