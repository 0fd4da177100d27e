// Package protoworker lets a host delegate operations to whatever handler
// serves a protocol identifier, over a hidden transport surface, using
// correlated JSON envelopes.
//
// A process creates one Runtime per realm. A host runtime creates Workers,
// which issue requests and subscriptions; a delegate runtime turns inbound
// envelopes into IncomingMessage values for its listeners, which answer them.
//
//	host := protoworker.New(protoworker.RoleHost, protoworker.WithOpener(opener))
//	w, _ := host.NewWorker("myapp")
//	reply, err := w.Request(ctx, map[string]any{"op": "x"})
//
// Listener and push callbacks run on the runtime's dispatch goroutine and must
// not block on the same runtime; use Worker.Go from inside them.
package protoworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiangNianian/protoworker/internal/logging"
	"github.com/HsiangNianian/protoworker/internal/protocol"
	"github.com/HsiangNianian/protoworker/pkg/transport"
)

type Role int

const (
	RoleHost Role = iota
	RoleDelegate
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleDelegate:
		return "delegate"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

type Kind = protocol.Kind

const (
	KindRequest     = protocol.KindRequest
	KindSubscribe   = protocol.KindSubscribe
	KindUnsubscribe = protocol.KindUnsubscribe
	KindPush        = protocol.KindPush
)

// DedupeStore is the part of the route store a delegate uses to drop
// envelopes it has already handled and to record how it answered.
type DedupeStore interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	SetReplyStatus(ctx context.Context, key, status string, ttl time.Duration) error
}

type Option func(*Runtime)

func WithOpener(o transport.Opener) Option {
	return func(r *Runtime) { r.opener = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.timeout = d }
}

// WithLegacyEnvelope writes the flat legacy envelope. Legacy envelopes have
// no worker id and no pub/sub.
func WithLegacyEnvelope() Option {
	return func(r *Runtime) { r.codec = protocol.Codec{Legacy: true} }
}

func WithDedupe(st DedupeStore, ttl time.Duration) Option {
	return func(r *Runtime) {
		r.dedupe = st
		r.dedupeTTL = ttl
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Runtime) { r.newID = gen }
}

type inbound struct {
	data   []byte
	source transport.Port
}

type Runtime struct {
	role      Role
	opener    transport.Opener
	codec     protocol.Codec
	logger    *slog.Logger
	envlog    *logging.EnvelopeLogger
	timeout   time.Duration
	newID     func() string
	dedupe    DedupeStore
	dedupeTTL time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu           sync.Mutex
	closed       bool
	channels     map[string]*Channel
	workers      map[string]*Worker
	listeners    map[uint64]func(IncomingMessage)
	nextListener uint64
}

// New starts a runtime acting in the given role. Close releases it.
func New(role Role, opts ...Option) *Runtime {
	r := &Runtime{
		role:      role,
		logger:    slog.Default(),
		newID:     protocol.NewTransactionID,
		inbox:     make(chan inbound, 256),
		done:      make(chan struct{}),
		channels:  make(map[string]*Channel),
		workers:   make(map[string]*Worker),
		listeners: make(map[uint64]func(IncomingMessage)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.codec.Replies = role == RoleHost
	r.logger = r.logger.With("role", role.String())
	r.envlog = logging.NewEnvelopeLogger(r.logger)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.dispatchLoop()
	return r
}

func (r *Runtime) Role() Role { return r.role }

// NewWorker returns a handle for issuing requests to the delegate serving
// protocol. The channel is created on first use.
func (r *Runtime) NewWorker(protocolID string) (*Worker, error) {
	if r.role != RoleHost {
		return nil, fmt.Errorf("%w: new worker in %s runtime", ErrWrongRole, r.role)
	}
	if !transport.ValidProtocol(protocolID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProtocol, protocolID)
	}
	if r.opener == nil {
		return nil, ErrNoOpener
	}

	w := newWorker(r, protocol.NewWorkerID(), protocolID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.workers[w.id] = w
	r.logger.Debug("worker created", "worker_id", w.id, "protocol", protocolID)
	return w, nil
}

// Channel returns the channel for protocol, if one has been created.
func (r *Runtime) Channel(protocolID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[protocolID]
	return c, ok
}

// channel returns the channel shared by every worker of protocol, creating
// and connecting it on first use.
func (r *Runtime) channel(protocolID string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.channels[protocolID]; ok {
		return c, nil
	}
	c := newChannel(r, protocolID)
	r.channels[protocolID] = c
	c.connect()
	return c, nil
}

// AddListener registers fn for every message a delegate runtime receives.
// The returned function removes it.
func (r *Runtime) AddListener(fn func(IncomingMessage)) (remove func()) {
	r.mu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// HandleMessage queues an inbound envelope for dispatch. source is the port
// replies are posted to. It implements transport.Sink.
func (r *Runtime) HandleMessage(data []byte, source transport.Port) {
	select {
	case r.inbox <- inbound{data: data, source: source}:
	case <-r.ctx.Done():
	}
}

func (r *Runtime) dispatchLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.inbox:
			r.dispatch(msg)
		}
	}
}

// Close stops dispatching, closes every surface and fails every pending
// request with ErrClosed.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		channels := make([]*Channel, 0, len(r.channels))
		for _, c := range r.channels {
			channels = append(channels, c)
		}
		workers := make([]*Worker, 0, len(r.workers))
		for _, w := range r.workers {
			workers = append(workers, w)
		}
		r.mu.Unlock()

		r.cancel()
		<-r.done

		var errs []error
		for _, c := range channels {
			if err := c.close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel %s: %w", c.protocol, err))
			}
		}
		for _, w := range workers {
			w.abandonAll(ErrClosed)
		}
		r.closeErr = errors.Join(errs...)
		r.logger.Debug("runtime closed", "channels", len(channels), "workers", len(workers))
	})
	return r.closeErr
}

func (r *Runtime) worker(id string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

func (r *Runtime) workersFor(protocolID string) []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Worker
	for _, w := range r.workers {
		if w.protocol == protocolID {
			out = append(out, w)
		}
	}
	return out
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
