package tplink

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

// Coordinator polls one device session and notifies its entities.
type Coordinator struct {
	hub      *platform.Hub
	entry    *platform.ConfigEntry
	device   kasa.Device
	interval time.Duration
	logger   *slog.Logger

	// refreshMu is held for the length of a poll.
	refreshMu sync.Mutex

	mu          sync.Mutex
	listeners   []func()
	lastSuccess bool
	lastErr     error
	cancel      func()
	stopped     bool
}

func newCoordinator(hub *platform.Hub, entry *platform.ConfigEntry, dev kasa.Device, interval time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		hub:         hub,
		entry:       entry,
		device:      dev,
		interval:    interval,
		logger:      logger.With("device", dev.String()),
		lastSuccess: true,
	}
}

// Device returns the polled device.
func (c *Coordinator) Device() kasa.Device { return c.device }

// Interval returns the polling period.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// AddListener registers fn to run after every poll.
func (c *Coordinator) AddListener(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// LastUpdateSuccess reports whether the last poll succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// LastError is the error of the last poll, or nil.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start schedules polling on the hub clock.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.cancel != nil {
		return
	}
	c.cancel = c.hub.TrackInterval("tplink poll", c.interval, func(ctx context.Context) { c.Refresh(ctx) })
}

// Refresh polls the device once and notifies listeners. Polls never overlap.
func (c *Coordinator) Refresh(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := c.device.Update(ctx)

	c.mu.Lock()
	wasOK := c.lastSuccess
	c.lastSuccess = err == nil
	c.lastErr = err
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	switch {
	case err == nil:
		if !wasOK {
			c.logger.Info("fetching data recovered")
		}
	case errors.Is(err, kasa.ErrAuthentication):
		if wasOK {
			c.logger.Warn("authentication failed while fetching data", "err", err)
		}
		c.hub.Entries.StartReauth(c.entry)
	default:
		if wasOK {
			c.logger.Error("error fetching data", "err", err)
		}
	}

	for _, fn := range listeners {
		fn()
	}
}

// Stop cancels polling and waits for a poll in progress to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.refreshMu.Lock()
	c.refreshMu.Unlock()
}
