// Package transport defines how envelopes move between a host and the
// delegate behind a protocol identifier.
//
// A host opens a Surface for "<protocol>:#". The surface is hidden and has no
// footprint of its own; it only signals when it has loaded and accepts
// serialized envelopes. Inbound envelopes, on either side, are handed to a
// Sink together with the Port that a reply should be posted to.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrInvalidProtocol = errors.New("invalid protocol identifier")
	ErrNoHandler       = errors.New("no handler for protocol")
)

// Port accepts serialized envelopes. Implementations must not retain data
// after PostMessage returns unless they copy it.
type Port interface {
	PostMessage(data []byte) error
}

type Sink interface {
	HandleMessage(data []byte, source Port)
}

type Surface interface {
	Port
	// Loaded is closed once the delegate behind the surface is ready.
	Loaded() <-chan struct{}
	Close() error
}

type Opener interface {
	Open(ctx context.Context, url string, sink Sink) (Surface, error)
}

type OpenerFunc func(ctx context.Context, url string, sink Sink) (Surface, error)

func (f OpenerFunc) Open(ctx context.Context, url string, sink Sink) (Surface, error) {
	return f(ctx, url, sink)
}

// SurfaceURL returns the inert URL loaded for a protocol identifier. The empty
// fragment keeps the load free of navigation side effects.
func SurfaceURL(protocol string) string {
	return protocol + ":#"
}

func ProtocolFromURL(url string) (string, error) {
	protocol, rest, ok := strings.Cut(url, ":")
	if !ok || !ValidProtocol(protocol) {
		return "", fmt.Errorf("%w: url=%q", ErrInvalidProtocol, url)
	}
	if rest != "#" && rest != "" {
		return "", fmt.Errorf("%w: unexpected suffix in url=%q", ErrInvalidProtocol, url)
	}
	return protocol, nil
}

// ValidProtocol reports whether s is a syntactically valid URL scheme.
func ValidProtocol(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
