package tplink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoordinatorStopWaitsForPoll(t *testing.T) {
	env := newTestEnv(t)
	entry := env.addEntry(t, nil)
	dev := newPlug("my_plug")
	dev.started = make(chan struct{})
	dev.release = make(chan struct{})
	c := newCoordinator(env.hub, entry, dev, time.Second, env.integ.logger)

	var notified int
	c.AddListener(func() { notified++ })

	go c.Refresh(context.Background())
	<-dev.started

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a poll was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(dev.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the poll finished")
	}
	assert.Equal(t, 1, notified)

	// Polls after Stop are ignored.
	c.Refresh(context.Background())
	assert.Equal(t, 1, dev.updateCount())
	assert.Equal(t, 1, notified)
}
