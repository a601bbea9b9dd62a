//go:build no_mqtt

package main

import (
	"log/slog"

	"fastcon-bridge/internal/controller"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *controller.Controller, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
