//go:build no_mqtt

package main

import (
	"log/slog"

	"kasa-go-home/internal/platform"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *platform.Hub, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
