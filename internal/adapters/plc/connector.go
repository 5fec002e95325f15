package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZLoverty/hepic-server/internal/ports"
)

const (
	DefaultReconnectInterval = 5 * time.Second

	connectorStopBound = 2 * time.Second
)

// Connector serializes all access to one PLC session behind a single mutex
// and runs a background reconnection loop for its whole lifetime. Every
// public operation is non-throwing: device faults are logged, demote the
// state to Disconnected, and surface as a failed return.
type Connector struct {
	mu     sync.Mutex
	client ports.BlockClient
	state  ports.ConnState

	interval time.Duration
	obs      ports.Observability

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewConnector(client ports.BlockClient, reconnectInterval time.Duration, obs ports.Observability) *Connector {
	if reconnectInterval <= 0 {
		reconnectInterval = DefaultReconnectInterval
	}
	return &Connector{
		client:   client,
		state:    ports.StateDisconnected,
		interval: reconnectInterval,
		obs:      obs,
	}
}

// Start launches the reconnection loop on its own goroutine. The loop runs
// until Stop; it makes at most one connect attempt per tick, so the serving
// path never waits on a device retry.
func (c *Connector) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.reconnectLoop(ctx)
	})
	return nil
}

// Stop halts the reconnection loop and closes the device session. The wait
// is bounded: a loop stuck inside a hung device call is abandoned rather than
// allowed to block shutdown. No operation may be issued after Stop.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(connectorStopBound):
			// The mutex is held by the stuck device call, so the session
			// cannot even be disconnected safely. Leave it behind.
			c.obs.LogWarn("plc_stop_timeout")
			return nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ports.StateStopping
	err := c.client.Disconnect()
	c.state = ports.StateDisconnected
	c.obs.SetGauge("hepic_plc_connected", 0)
	return err
}

func (c *Connector) State() ports.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect makes one synchronous connection attempt and reports success.
func (c *Connector) Connect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ports.StateStopping {
		return false
	}
	return c.connectLocked()
}

// IsConnected probes the device and self-corrects the cached state when the
// probe disagrees.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ports.StateConnected {
		return false
	}
	if !c.client.Connected() {
		c.demoteLocked("plc_probe_failed", fmt.Errorf("liveness probe failed"))
		return false
	}
	return true
}

// ReadBlock reads size bytes from a data block. A read issued while
// disconnected fails fast; retry policy belongs to the caller.
func (c *Connector) ReadBlock(db, start, size int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ports.StateConnected {
		return nil, false
	}
	data, err := c.client.ReadBlock(db, start, size)
	if err != nil {
		c.demoteLocked("plc_read_failed", err)
		return nil, false
	}
	return data, true
}

// WriteBlock writes data into a data block, failing fast while disconnected.
func (c *Connector) WriteBlock(db, start int, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ports.StateConnected {
		return false
	}
	if err := c.client.WriteBlock(db, start, data); err != nil {
		c.demoteLocked("plc_write_failed", err)
		return false
	}
	return true
}

func (c *Connector) connectLocked() bool {
	c.state = ports.StateConnecting
	if err := c.client.Connect(); err != nil {
		c.obs.LogError("plc_connect_failed", err)
		c.state = ports.StateDisconnected
		c.obs.SetGauge("hepic_plc_connected", 0)
		return false
	}
	c.state = ports.StateConnected
	c.obs.SetGauge("hepic_plc_connected", 1)
	c.obs.LogInfo("plc_connected")
	return true
}

func (c *Connector) demoteLocked(msg string, err error) {
	c.obs.LogError(msg, err)
	c.state = ports.StateDisconnected
	c.obs.SetGauge("hepic_plc_connected", 0)
}

// reconnectLoop ticks immediately on start, so a healthy device is connected
// right away instead of after the first interval.
func (c *Connector) reconnectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.tick()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Connector) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ports.StateDisconnected:
		c.connectLocked()
	case ports.StateConnected:
		if !c.client.Connected() {
			c.demoteLocked("plc_probe_failed", fmt.Errorf("liveness probe failed"))
		}
	}
}
