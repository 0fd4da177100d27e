package protoworker

import (
	"encoding/json"
	"errors"

	"github.com/HsiangNianian/protoworker/internal/protocol"
	"github.com/HsiangNianian/protoworker/pkg/transport"
)

var (
	ErrRejected       = errors.New("request rejected by delegate")
	ErrTimeout        = errors.New("request timed out")
	ErrCanceled       = errors.New("request canceled")
	ErrClosed         = errors.New("runtime closed")
	ErrWrongRole      = errors.New("operation not available in this role")
	ErrNoOpener       = errors.New("host runtime has no opener")
	ErrNoSource       = errors.New("message has no reply port")
	ErrAlreadyReplied = errors.New("request already answered")

	ErrInvalidProtocol   = transport.ErrInvalidProtocol
	ErrMalformedEnvelope = protocol.ErrMalformedEnvelope
	ErrLegacyPayload     = protocol.ErrLegacyPayload
	ErrLegacyKind        = protocol.ErrLegacyKind
)

// RejectedError carries the payload a delegate rejected a request with.
type RejectedError struct {
	Payload json.RawMessage
}

func (e *RejectedError) Error() string {
	return ErrRejected.Error() + ": " + string(e.Payload)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}
