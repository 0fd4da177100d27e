package protoworker

import (
	"fmt"
	"sync"

	"github.com/HsiangNianian/protoworker/internal/txn"
	"github.com/HsiangNianian/protoworker/pkg/transport"
)

type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is the surface bound to one protocol identifier, shared by every
// worker of that protocol in a runtime. Its state only moves forward.
type Channel struct {
	protocol  string
	rt        *Runtime
	connected chan struct{}

	// mu also serializes posts, so queued transactions leave in creation
	// order ahead of anything sent after the connection completes.
	mu      sync.Mutex
	state   State
	closed  bool
	surface transport.Surface
	queue   []*txn.Transaction
}

func newChannel(rt *Runtime, protocolID string) *Channel {
	return &Channel{
		protocol:  protocolID,
		rt:        rt,
		connected: make(chan struct{}),
	}
}

func (c *Channel) Protocol() string { return c.protocol }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected is closed when the channel reaches StateConnected.
func (c *Channel) Connected() <-chan struct{} { return c.connected }

// Queued returns the number of transactions waiting for the connection.
func (c *Channel) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.state != StateUnconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	go c.establish()
}

func (c *Channel) establish() {
	url := transport.SurfaceURL(c.protocol)
	c.rt.logger.Debug("channel connecting", "protocol", c.protocol, "url", url)

	surface, err := c.rt.opener.Open(c.rt.ctx, url, c.rt)
	if err != nil {
		if c.rt.ctx.Err() == nil {
			c.rt.logger.Error("channel open failed", "protocol", c.protocol, "error", err)
		}
		return
	}

	c.mu.Lock()
	if c.rt.ctx.Err() != nil {
		c.mu.Unlock()
		_ = surface.Close()
		return
	}
	c.surface = surface
	c.mu.Unlock()

	select {
	case <-surface.Loaded():
	case <-c.rt.ctx.Done():
		return
	}
	c.markConnected()
}

func (c *Channel) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateConnected {
		return
	}
	c.state = StateConnected
	close(c.connected)

	queued := c.queue
	c.queue = nil
	c.rt.logger.Info("channel connected", "protocol", c.protocol, "flushed", len(queued))
	for _, tx := range queued {
		if err := c.post(tx); err != nil {
			c.rt.logger.Error("flush failed", "protocol", c.protocol, "transaction_id", tx.ID, "error", err)
			c.rt.abandon(tx, err)
		}
	}
}

// send posts tx now if the channel is connected and queues it otherwise.
func (c *Channel) send(tx *txn.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateConnected {
		c.queue = append(c.queue, tx)
		return nil
	}
	return c.post(tx)
}

// post must be called with mu held.
func (c *Channel) post(tx *txn.Transaction) error {
	if !tx.MarkPosted() {
		return nil
	}
	if err := c.surface.PostMessage(tx.Wire); err != nil {
		return fmt.Errorf("post transaction %s: %w", tx.ID, err)
	}
	c.rt.logger.Debug("transaction posted",
		"protocol", c.protocol,
		"worker_id", tx.WorkerID,
		"transaction_id", tx.ID,
		"kind", tx.Kind,
	)
	return nil
}

// unqueue drops tx if it has not left yet.
func (c *Channel) unqueue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, tx := range c.queue {
		if tx.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Channel) close() error {
	c.mu.Lock()
	surface := c.surface
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	if surface == nil {
		return nil
	}
	return surface.Close()
}
