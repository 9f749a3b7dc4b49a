//go:build no_automation

package main

import (
	"log/slog"

	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *platform.Hub, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
