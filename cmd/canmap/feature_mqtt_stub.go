//go:build no_mqtt

package main

import (
	"canmap/internal/session"
	"canmap/internal/store"
	"canmap/internal/web"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop()                      {}
func (m *mqttStopper) Attach(_ *session.Session)  {}
func (m *mqttStopper) OnScanCommand(_ *web.Server) {}

func initMQTT(_ *Config, _ store.Store) *mqttStopper {
	return &mqttStopper{}
}
