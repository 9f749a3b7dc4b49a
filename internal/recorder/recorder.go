// Package recorder writes numeric entity states to InfluxDB.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"kasa-go-home/internal/platform"
)

// Measurement is the InfluxDB measurement every state is written to.
const Measurement = "entity_state"

const defaultConnectTimeout = 10 * time.Second

// Config holds the InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// BatchSize is the number of points sent per write.
	BatchSize uint
	// FlushInterval is the longest a point waits in the batch.
	FlushInterval time.Duration
}

// pointWriter is the part of the InfluxDB write API the recorder needs.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder subscribes to state changes and writes numeric sensor values.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	hub    *platform.Hub
	logger *slog.Logger
	unsub  func()
}

// Connect pings the server and returns a recorder using its batching write API.
func Connect(hub *platform.Hub, cfg Config, logger *slog.Logger) (*Recorder, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb %s not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(hub, writeAPI, logger)
	r.client = client

	// Writes are async; failures only surface here.
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	return r, nil
}

func newRecorder(hub *platform.Hub, w pointWriter, logger *slog.Logger) *Recorder {
	return &Recorder{
		writer: w,
		hub:    hub,
		logger: logger.With("component", "recorder"),
	}
}

// Start subscribes to state changes.
func (r *Recorder) Start() {
	r.unsub = r.hub.Bus.On(platform.EventStateChanged, r.handleStateChanged)
	r.logger.Info("recorder started")
}

// Stop unsubscribes, flushes pending points and closes the client.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}

func (r *Recorder) handleStateChanged(ev platform.Event) {
	sc, ok := ev.Data.(platform.StateChange)
	if !ok || sc.New == nil {
		return
	}
	p, ok := statePoint(sc.New)
	if !ok {
		return
	}
	r.writer.WritePoint(p)
}

// statePoint converts a sensor or number state into a point. Non-numeric
// states such as "unavailable" are skipped.
func statePoint(st *platform.State) (*write.Point, bool) {
	domain, _, _ := strings.Cut(st.EntityID, ".")
	if domain != "sensor" && domain != "number" {
		return nil, false
	}
	v, err := strconv.ParseFloat(st.State, 64)
	if err != nil {
		return nil, false
	}

	tags := map[string]string{
		"entity_id": st.EntityID,
		"domain":    domain,
	}
	if unit, ok := st.Attributes["unit_of_measurement"].(string); ok && unit != "" {
		tags["unit"] = unit
	}
	return write.NewPoint(Measurement, tags, map[string]any{"value": v}, st.LastUpdated), true
}
