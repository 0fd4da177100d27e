package protoworker

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/HsiangNianian/protoworker/internal/protocol"
	"github.com/HsiangNianian/protoworker/internal/txn"
	"github.com/HsiangNianian/protoworker/pkg/transport"
)

// IncomingMessage is what a delegate runtime hands its listeners: a
// *Request, *Subscribed or *Unsubscribed.
type IncomingMessage interface {
	Kind() Kind
	incoming()
}

// Request asks the delegate for a single answer, given with Respond or
// Reject.
type Request struct {
	Payload       json.RawMessage
	WorkerID      string
	TransactionID string
	Protocol      string

	reply *replier
}

func (*Request) Kind() Kind { return KindRequest }
func (*Request) incoming()  {}

func (m *Request) Respond(v any) error {
	return m.reply.answer(protocol.StatusSuccess, v)
}

func (m *Request) Reject(v any) error {
	return m.reply.answer(protocol.StatusRejected, v)
}

// Subscribed opens a push stream to the worker that sent it. Push may be
// called any number of times, from any goroutine.
type Subscribed struct {
	Payload       json.RawMessage
	WorkerID      string
	TransactionID string
	Protocol      string

	reply *replier
}

func (*Subscribed) Kind() Kind { return KindSubscribe }
func (*Subscribed) incoming()  {}

func (m *Subscribed) Push(v any) error {
	return m.reply.send(protocol.KindPush, protocol.StatusSuccess, v)
}

type Unsubscribed struct {
	Payload       json.RawMessage
	WorkerID      string
	TransactionID string
	Protocol      string
}

func (*Unsubscribed) Kind() Kind { return KindUnsubscribe }
func (*Unsubscribed) incoming()  {}

type replier struct {
	rt      *Runtime
	source  transport.Port
	control protocol.Control
	legacy  bool
	replied atomic.Bool
}

func (p *replier) answer(status protocol.Status, v any) error {
	if !p.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if err := p.send(protocol.KindRequest, status, v); err != nil {
		return err
	}
	p.rt.recordReply(p.control, status)
	return nil
}

func (p *replier) send(kind protocol.Kind, status protocol.Status, v any) error {
	if p.source == nil {
		return ErrNoSource
	}
	data, err := marshalPayload(v)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		Data: data,
		Control: protocol.Control{
			WorkerID:      p.control.WorkerID,
			TransactionID: p.control.TransactionID,
			Protocol:      p.control.Protocol,
			Kind:          kind,
			Status:        status,
		},
		Legacy: p.legacy,
	}
	wire, err := p.rt.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := p.source.PostMessage(wire); err != nil {
		return err
	}
	p.rt.envlog.Log(env, "outbound")
	return nil
}

func (r *Runtime) dispatch(msg inbound) {
	env, err := r.codec.Decode(msg.data)
	if err != nil {
		r.logger.Warn("dropping envelope", "error", err, "size", len(msg.data))
		return
	}
	r.envlog.Log(env, "inbound")

	switch r.role {
	case RoleHost:
		r.dispatchHost(env)
	default:
		r.dispatchDelegate(env, msg.source)
	}
}

func (r *Runtime) dispatchHost(env protocol.Envelope) {
	w, tx := r.correlate(env)
	if w == nil {
		r.logger.Debug("unknown worker", "worker_id", env.WorkerID, "transaction_id", env.TransactionID)
		return
	}

	if env.Kind == protocol.KindPush {
		fn := w.pushHandler()
		if fn == nil {
			r.logger.Debug("push dropped", "worker_id", w.id, "transaction_id", env.TransactionID)
			return
		}
		fn(env.Data)
		return
	}

	if tx == nil || tx.Kind != protocol.KindRequest {
		r.logger.Debug("unsolicited reply", "worker_id", w.id, "transaction_id", env.TransactionID)
		return
	}
	if _, ok := w.txns.Take(tx.ID); !ok {
		return
	}
	tx.Settle(txn.Result{Payload: env.Data, Status: env.Status})
}

// correlate finds the worker an inbound envelope belongs to, and the pending
// transaction if there is one. Legacy envelopes carry no worker id, so the
// transaction is searched among the workers of their protocol.
func (r *Runtime) correlate(env protocol.Envelope) (*Worker, *txn.Transaction) {
	if env.WorkerID != "" {
		w := r.worker(env.WorkerID)
		if w == nil {
			return nil, nil
		}
		tx, _ := w.txns.Get(env.TransactionID)
		return w, tx
	}
	for _, w := range r.workersFor(env.Protocol) {
		if tx, ok := w.txns.Get(env.TransactionID); ok {
			return w, tx
		}
	}
	return nil, nil
}

func (r *Runtime) dispatchDelegate(env protocol.Envelope, source transport.Port) {
	if env.TransactionID == "" {
		r.logger.Debug("envelope without transaction id dropped")
		return
	}
	if env.IsReply() {
		r.logger.Debug("reply dropped by delegate", "transaction_id", env.TransactionID)
		return
	}
	if r.duplicate(env.Control) {
		r.logger.Info("duplicate envelope dropped",
			"worker_id", env.WorkerID,
			"transaction_id", env.TransactionID,
		)
		return
	}

	var msg IncomingMessage
	switch env.Kind {
	case protocol.KindSubscribe:
		msg = &Subscribed{
			Payload:       env.Data,
			WorkerID:      env.WorkerID,
			TransactionID: env.TransactionID,
			Protocol:      env.Protocol,
			reply:         &replier{rt: r, source: source, control: env.Control, legacy: env.Legacy},
		}
	case protocol.KindUnsubscribe:
		msg = &Unsubscribed{
			Payload:       env.Data,
			WorkerID:      env.WorkerID,
			TransactionID: env.TransactionID,
			Protocol:      env.Protocol,
		}
	default:
		msg = &Request{
			Payload:       env.Data,
			WorkerID:      env.WorkerID,
			TransactionID: env.TransactionID,
			Protocol:      env.Protocol,
			reply:         &replier{rt: r, source: source, control: env.Control, legacy: env.Legacy},
		}
	}
	r.emit(msg)
}

func (r *Runtime) emit(msg IncomingMessage) {
	r.mu.Lock()
	listeners := make([]func(IncomingMessage), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	if len(listeners) == 0 {
		r.logger.Warn("no listener for message", "kind", msg.Kind())
		return
	}
	for _, fn := range listeners {
		fn(msg)
	}
}

// RecordKey is the store key a delegate files an envelope under for
// duplicate suppression and its reply status. Legacy envelopes have no worker
// id and are keyed by protocol.
func RecordKey(workerID, protocolID, transactionID string) string {
	if workerID == "" {
		return protocolID + ":" + transactionID
	}
	return workerID + ":" + transactionID
}

func dedupeKey(c protocol.Control) string {
	return RecordKey(c.WorkerID, c.Protocol, c.TransactionID)
}

func (r *Runtime) duplicate(c protocol.Control) bool {
	if r.dedupe == nil {
		return false
	}
	key := dedupeKey(c)
	seen, err := r.dedupe.IsProcessed(r.ctx, key)
	if err != nil {
		r.logger.Warn("dedupe lookup failed", "key", key, "error", err)
		return false
	}
	if seen {
		return true
	}
	if err := r.dedupe.MarkProcessed(r.ctx, key, r.dedupeTTL); err != nil {
		r.logger.Warn("dedupe mark failed", "key", key, "error", err)
	}
	return false
}

func (r *Runtime) recordReply(c protocol.Control, status protocol.Status) {
	if r.dedupe == nil {
		return
	}
	key := dedupeKey(c)
	// the runtime may be closing while a listener answers late
	if err := r.dedupe.SetReplyStatus(context.WithoutCancel(r.ctx), key, string(status), r.dedupeTTL); err != nil {
		r.logger.Warn("record reply failed", "key", key, "error", err)
	}
}
