//go:build !no_mqtt

package main

import (
	mqttbridge "canmap/internal/mqtt"
	"canmap/internal/session"
	"canmap/internal/store"
	"canmap/internal/web"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func (m *mqttStopper) Attach(sess *session.Session) {
	if m.bridge != nil {
		m.bridge.Attach(sess.Events())
	}
}

func (m *mqttStopper) OnScanCommand(srv *web.Server) {
	if m.bridge != nil {
		m.bridge.OnScanCommand(func() { srv.TriggerScan() })
	}
}

func initMQTT(cfg *Config, st store.Store) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	if assignments, err := st.ListAssignments(); err == nil {
		bridge.PublishAssignments(assignments)
	}
	return &mqttStopper{bridge: bridge}
}
