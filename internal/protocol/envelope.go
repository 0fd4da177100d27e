// Package protocol defines the envelope exchanged between a host and the
// delegate serving a protocol identifier, and the codec for its two wire
// modes.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindRequest     Kind = "request"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindPush        Kind = "push"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusRejected Status = "rejected"
	StatusPush     Status = "push"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrLegacyPayload     = errors.New("legacy request payload must be a JSON object")
	ErrLegacyKind        = errors.New("legacy envelopes only carry requests and replies")
)

// Reserved fields of the legacy flat envelope.
const (
	legacyIDField   = "__protocolRequestID__"
	legacyTypeField = "__protocolRequestType__"
	legacyData      = "data"
	legacyStatus    = "status"
)

// Control is the correlation metadata carried next to a payload. Protocol is
// only present on the wire in legacy mode.
type Control struct {
	WorkerID      string
	TransactionID string
	Protocol      string
	Kind          Kind
	Status        Status
}

type Envelope struct {
	Data json.RawMessage
	Control
	// Legacy marks envelopes read from, or to be written in, the flat legacy
	// format.
	Legacy bool
}

// IsReply reports whether the envelope travels from delegate to host.
func (e Envelope) IsReply() bool {
	return e.Status != ""
}

type wireEnvelope struct {
	WorkerID      string          `json:"workerId,omitempty"`
	TransactionID string          `json:"transactionId"`
	Kind          Kind            `json:"kind,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Codec encodes envelopes. The zero value writes the full format; Legacy
// forces the flat format for every envelope it encodes. Decode accepts both
// formats regardless.
//
// A legacy request carries its payload fields at the top level, so a
// "status" field cannot tell it apart from a reply. Replies decides instead:
// a host codec sets it and reads every legacy envelope as a reply, a
// delegate codec reads every legacy envelope as a request.
type Codec struct {
	Legacy  bool
	Replies bool
}

func (c Codec) Encode(env Envelope) ([]byte, error) {
	if c.Legacy || env.Legacy {
		return encodeLegacy(env)
	}
	wire := wireEnvelope{
		WorkerID:      env.WorkerID,
		TransactionID: env.TransactionID,
		Kind:          env.Kind,
		Status:        env.Status,
		Data:          dataOrDefault(env),
	}
	if wire.Kind == KindRequest {
		wire.Kind = ""
	}
	return json.Marshal(wire)
}

func (c Codec) Decode(b []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	if _, ok := fields[legacyIDField]; ok {
		return decodeLegacy(fields, c.Replies)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(b, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env := Envelope{
		Data: wire.Data,
		Control: Control{
			WorkerID:      wire.WorkerID,
			TransactionID: wire.TransactionID,
			Kind:          wire.Kind,
			Status:        wire.Status,
		},
	}
	if env.Kind == "" {
		env.Kind = KindRequest
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	return env, nil
}

func encodeLegacy(env Envelope) ([]byte, error) {
	if env.Kind != "" && env.Kind != KindRequest {
		return nil, fmt.Errorf("%w: kind=%s", ErrLegacyKind, env.Kind)
	}
	id, err := json.Marshal(env.TransactionID)
	if err != nil {
		return nil, err
	}
	proto, err := json.Marshal(env.Protocol)
	if err != nil {
		return nil, err
	}

	if env.IsReply() {
		status, err := json.Marshal(env.Status)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{
			legacyData:      dataOrDefault(env),
			legacyIDField:   id,
			legacyTypeField: proto,
			legacyStatus:    status,
		})
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(dataOrDefault(env), &fields); err != nil || fields == nil {
		return nil, ErrLegacyPayload
	}
	fields[legacyIDField] = id
	fields[legacyTypeField] = proto
	return json.Marshal(fields)
}

func decodeLegacy(fields map[string]json.RawMessage, reply bool) (Envelope, error) {
	env := Envelope{Legacy: true, Control: Control{Kind: KindRequest}}
	if err := json.Unmarshal(fields[legacyIDField], &env.TransactionID); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, legacyIDField, err)
	}
	if raw, ok := fields[legacyTypeField]; ok {
		if err := json.Unmarshal(raw, &env.Protocol); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, legacyTypeField, err)
		}
	}

	if reply {
		if raw, ok := fields[legacyStatus]; ok {
			if err := json.Unmarshal(raw, &env.Status); err != nil {
				return Envelope{}, fmt.Errorf("%w: status: %v", ErrMalformedEnvelope, err)
			}
		}
		env.Data = fields[legacyData]
		if len(env.Data) == 0 {
			env.Data = json.RawMessage("null")
		}
		return env, nil
	}

	delete(fields, legacyIDField)
	delete(fields, legacyTypeField)
	data, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// dataOrDefault substitutes an empty object for a missing request payload
// and null for a missing reply payload.
func dataOrDefault(env Envelope) json.RawMessage {
	if len(bytes.TrimSpace(env.Data)) > 0 {
		return env.Data
	}
	if env.IsReply() {
		return json.RawMessage("null")
	}
	return json.RawMessage("{}")
}
