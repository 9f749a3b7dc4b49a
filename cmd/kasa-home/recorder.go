package main

import (
	"log/slog"

	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/recorder"
)

type recorderStopper struct {
	rec *recorder.Recorder
}

func (r *recorderStopper) Stop() {
	if r.rec != nil {
		r.rec.Stop()
	}
}

func initRecorder(hub *platform.Hub, cfg *Config, logger *slog.Logger) *recorderStopper {
	if !cfg.InfluxDB.Enabled {
		return &recorderStopper{}
	}
	rec, err := recorder.Connect(hub, recorder.Config{
		URL:           cfg.InfluxDB.URL,
		Token:         cfg.InfluxDB.Token,
		Org:           cfg.InfluxDB.Org,
		Bucket:        cfg.InfluxDB.Bucket,
		BatchSize:     cfg.InfluxDB.BatchSize,
		FlushInterval: cfg.InfluxDB.FlushInterval,
	}, logger)
	if err != nil {
		logger.Error("influxdb recorder", "err", err)
		return &recorderStopper{}
	}
	rec.Start()
	return &recorderStopper{rec: rec}
}
