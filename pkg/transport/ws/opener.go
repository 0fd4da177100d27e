package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/protoworker/pkg/transport"
)

var ErrNoRoute = errors.New("no route for protocol")

// Resolver maps a protocol identifier to the websocket URL of its delegate.
// store.Store satisfies it.
type Resolver interface {
	GetRoute(ctx context.Context, protocol string) (string, error)
}

type Opener struct {
	routes    Resolver
	authToken string
	logger    *slog.Logger
	dialer    *websocket.Dialer
}

func NewOpener(routes Resolver, authToken string, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{
		routes:    routes,
		authToken: authToken,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
	}
}

// Open dials the delegate registered for the protocol of url. The surface is
// loaded as soon as the handshake completes.
func (o *Opener) Open(ctx context.Context, url string, sink transport.Sink) (transport.Surface, error) {
	protocol, err := transport.ProtocolFromURL(url)
	if err != nil {
		return nil, err
	}
	target, err := o.routes.GetRoute(ctx, protocol)
	if err != nil {
		return nil, fmt.Errorf("resolve route %s: %w", protocol, err)
	}
	if target == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, protocol)
	}

	header := http.Header{}
	if o.authToken != "" {
		header.Set("Authorization", "Bearer "+o.authToken)
	}
	o.logger.Debug("dial delegate", "protocol", protocol, "url", target)
	c, resp, err := o.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w: status=%d", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	o.logger.Info("delegate connected", "protocol", protocol, "url", target)

	s := &surface{conn: newConn(c), loaded: make(chan struct{}), done: make(chan struct{})}
	close(s.loaded)
	go func() {
		defer close(s.done)
		readLoop(s.conn, s, sink, o.logger.With("protocol", protocol))
	}()
	return s, nil
}

type surface struct {
	*conn
	loaded chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *surface) Loaded() <-chan struct{} { return s.loaded }

func (s *surface) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
		<-s.done
	})
	return err
}
