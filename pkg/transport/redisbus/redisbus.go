// Package redisbus carries envelopes over Redis pub/sub. A delegate
// subscribes to one channel per protocol identifier; every host surface
// subscribes to a private reply channel whose name travels with each frame.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/HsiangNianian/protoworker/pkg/transport"
)

const (
	protocolPrefix = "protoworker:proto:"
	replyPrefix    = "protoworker:reply:"
)

func ProtocolChannel(protocol string) string { return protocolPrefix + protocol }

// frame wraps a host envelope with the channel its replies go to.
type frame struct {
	Reply string          `json:"reply"`
	Body  json.RawMessage `json:"body"`
}

type Opener struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewOpener(client redis.UniversalClient, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{client: client, logger: logger}
}

// Open subscribes a fresh reply channel. The surface counts as loaded once
// the subscription is confirmed; frames published before a delegate listens
// are lost.
func (o *Opener) Open(ctx context.Context, url string, sink transport.Sink) (transport.Surface, error) {
	protocol, err := transport.ProtocolFromURL(url)
	if err != nil {
		return nil, err
	}
	reply := replyPrefix + uuid.NewString()
	pubsub := o.client.Subscribe(ctx, reply)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", reply, err)
	}

	s := &surface{
		client:  o.client,
		pubsub:  pubsub,
		channel: ProtocolChannel(protocol),
		reply:   reply,
		logger:  o.logger.With("protocol", protocol),
		loaded:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(s.loaded)
	go s.read(sink)
	s.logger.Debug("redis surface open", "reply", reply)
	return s, nil
}

type surface struct {
	client  redis.UniversalClient
	pubsub  *redis.PubSub
	channel string
	reply   string
	logger  *slog.Logger
	loaded  chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *surface) Loaded() <-chan struct{} { return s.loaded }

func (s *surface) PostMessage(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	b, err := json.Marshal(frame{Reply: s.reply, Body: data})
	if err != nil {
		return err
	}
	n, err := s.client.Publish(context.Background(), s.channel, b).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	if n == 0 {
		s.logger.Warn("no delegate listening", "channel", s.channel)
	}
	return nil
}

func (s *surface) read(sink transport.Sink) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		sink.HandleMessage([]byte(msg.Payload), s)
	}
}

func (s *surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Listener feeds frames published for a set of protocols to a delegate sink.
type Listener struct {
	client redis.UniversalClient
	sink   transport.Sink
	logger *slog.Logger
}

func NewListener(client redis.UniversalClient, sink transport.Sink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{client: client, sink: sink, logger: logger}
}

// Listen blocks until ctx is done. ready, if not nil, is closed once the
// subscription is confirmed.
func (l *Listener) Listen(ctx context.Context, ready chan<- struct{}, protocols ...string) error {
	if len(protocols) == 0 {
		return fmt.Errorf("%w: no protocols to listen on", transport.ErrInvalidProtocol)
	}
	channels := make([]string, len(protocols))
	for i, p := range protocols {
		if !transport.ValidProtocol(p) {
			return fmt.Errorf("%w: %q", transport.ErrInvalidProtocol, p)
		}
		channels[i] = ProtocolChannel(p)
	}

	pubsub := l.client.Subscribe(ctx, channels...)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	if ready != nil {
		close(ready)
	}
	l.logger.Info("redis listener subscribed", "channels", channels)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil || f.Reply == "" {
				l.logger.Warn("dropping malformed frame", "channel", msg.Channel, "error", err)
				continue
			}
			l.sink.HandleMessage(f.Body, &replyPort{client: l.client, channel: f.Reply})
		}
	}
}

type replyPort struct {
	client  redis.UniversalClient
	channel string
}

func (p *replyPort) PostMessage(data []byte) error {
	if err := p.client.Publish(context.Background(), p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}
