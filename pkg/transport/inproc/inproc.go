// Package inproc connects host and delegate runtimes living in one process.
// Delivery is asynchronous and ordered per direction; data is always copied,
// never shared.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/HsiangNianian/protoworker/pkg/transport"
)

type Option func(*Network)

// WithManualLoad holds every opened surface in the loading state until Load
// is called for its protocol.
func WithManualLoad() Option {
	return func(n *Network) { n.manual = true }
}

type Network struct {
	manual bool

	mu       sync.Mutex
	handlers map[string]transport.Sink
	loaded   map[string]bool
	waiting  map[string][]*surface
	surfaces map[*surface]struct{}
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		handlers: make(map[string]transport.Sink),
		loaded:   make(map[string]bool),
		waiting:  make(map[string][]*surface),
		surfaces: make(map[*surface]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Handle registers the delegate sink serving protocol.
func (n *Network) Handle(protocol string, sink transport.Sink) {
	n.mu.Lock()
	n.handlers[protocol] = sink
	n.mu.Unlock()
}

func (n *Network) Open(_ context.Context, url string, sink transport.Sink) (transport.Surface, error) {
	protocol, err := transport.ProtocolFromURL(url)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	delegate, ok := n.handlers[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: protocol=%s", transport.ErrNoHandler, protocol)
	}

	s := newSurface(n, delegate, sink)
	n.surfaces[s] = struct{}{}
	if !n.manual || n.loaded[protocol] {
		s.load()
	} else {
		n.waiting[protocol] = append(n.waiting[protocol], s)
	}
	return s, nil
}

// Load completes loading of every surface opened for protocol, and of every
// surface opened for it later. It returns the number of surfaces released.
func (n *Network) Load(protocol string) int {
	n.mu.Lock()
	waiting := n.waiting[protocol]
	delete(n.waiting, protocol)
	n.loaded[protocol] = true
	n.mu.Unlock()

	for _, s := range waiting {
		s.load()
	}
	return len(waiting)
}

// Surfaces returns the number of open surfaces.
func (n *Network) Surfaces() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.surfaces)
}

func (n *Network) forget(s *surface) {
	n.mu.Lock()
	delete(n.surfaces, s)
	n.mu.Unlock()
}

type surface struct {
	network    *Network
	loaded     chan struct{}
	loadOnce   sync.Once
	closeOnce  sync.Once
	toDelegate *mailbox
	toHost     *mailbox
}

func newSurface(n *Network, delegate, host transport.Sink) *surface {
	s := &surface{network: n, loaded: make(chan struct{})}
	back := &hostPort{s: s}
	s.toDelegate = newMailbox(func(b []byte) { delegate.HandleMessage(b, back) })
	s.toHost = newMailbox(func(b []byte) { host.HandleMessage(b, s) })
	return s
}

func (s *surface) load() {
	s.loadOnce.Do(func() { close(s.loaded) })
}

func (s *surface) Loaded() <-chan struct{} { return s.loaded }

func (s *surface) PostMessage(data []byte) error {
	return s.toDelegate.push(data)
}

func (s *surface) Close() error {
	s.closeOnce.Do(func() {
		s.toDelegate.close()
		s.toHost.close()
		s.network.forget(s)
	})
	return nil
}

// hostPort is the reply side handed to the delegate with each message.
type hostPort struct {
	s *surface
}

func (p *hostPort) PostMessage(data []byte) error {
	return p.s.toHost.push(data)
}

// mailbox is an unbounded FIFO drained by a single goroutine, so a push never
// blocks on a slow receiver.
type mailbox struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	wake   chan struct{}
	quit   chan struct{}
}

func newMailbox(deliver func([]byte)) *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go m.loop(deliver)
	return m
}

func (m *mailbox) push(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	m.items = append(m.items, cp)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *mailbox) close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	m.mu.Unlock()
}

func (m *mailbox) loop(deliver func([]byte)) {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			items := m.items
			m.items = nil
			closed := m.closed
			m.mu.Unlock()
			if closed || len(items) == 0 {
				break
			}
			for _, b := range items {
				deliver(b)
			}
		}
	}
}
