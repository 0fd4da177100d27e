package protoworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/HsiangNianian/protoworker/internal/protocol"
	"github.com/HsiangNianian/protoworker/internal/txn"
)

// Worker is the application's handle on one protocol identifier.
type Worker struct {
	id       string
	protocol string
	rt       *Runtime
	txns     *txn.Registry

	mu           sync.Mutex
	ch           *Channel
	push         bool
	onPush       func(json.RawMessage)
	subscription *txn.Transaction
}

func newWorker(rt *Runtime, id, protocolID string) *Worker {
	return &Worker{
		id:       id,
		protocol: protocolID,
		rt:       rt,
		txns:     txn.NewRegistry(),
	}
}

func (w *Worker) ID() string       { return w.id }
func (w *Worker) Protocol() string { return w.protocol }

// Connected reports whether the worker's channel has finished loading.
func (w *Worker) Connected() bool {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	return ch != nil && ch.State() == StateConnected
}

// Subscribed reports whether pushes are currently delivered.
func (w *Worker) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.push
}

// Pending returns the number of transactions awaiting a reply, including an
// open subscription.
func (w *Worker) Pending() int {
	return w.txns.Len()
}

// OnPush sets the callback receiving pushed payloads. It runs on the
// runtime's dispatch goroutine.
func (w *Worker) OnPush(fn func(json.RawMessage)) {
	w.mu.Lock()
	w.onPush = fn
	w.mu.Unlock()
}

// Request sends payload and waits for the delegate's answer. A rejection is
// returned as a *RejectedError. Canceling ctx abandons the request.
func (w *Worker) Request(ctx context.Context, payload any) (json.RawMessage, error) {
	return w.Go(payload).Wait(ctx)
}

// Go sends payload and returns without waiting.
func (w *Worker) Go(payload any) *Call {
	tx, err := w.newTransaction(protocol.KindRequest, payload)
	if err != nil {
		return failedCall(err)
	}
	call := &Call{w: w, tx: tx}
	if err := w.txns.Add(tx); err != nil {
		tx.Settle(txn.Result{Err: err})
		return call
	}
	if w.rt.timeout > 0 {
		call.timer = time.AfterFunc(w.rt.timeout, func() { call.abort(ErrTimeout) })
	}
	if err := w.deliver(tx); err != nil {
		call.abort(err)
	}
	return call
}

// Subscribe asks the delegate to start pushing. Pushed payloads go to the
// OnPush callback until Unsubscribe. Subscribing twice is a no-op.
func (w *Worker) Subscribe(payload any) error {
	w.mu.Lock()
	if w.push {
		w.mu.Unlock()
		return nil
	}
	tx, err := w.newTransaction(protocol.KindSubscribe, payload)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.push = true
	w.subscription = tx
	w.mu.Unlock()

	if err := w.txns.Add(tx); err != nil {
		w.resetSubscription(tx)
		return err
	}
	if err := w.deliver(tx); err != nil {
		w.txns.Remove(tx.ID)
		w.resetSubscription(tx)
		return err
	}
	return nil
}

// Unsubscribe stops push delivery immediately and tells the delegate, without
// waiting for acknowledgement.
func (w *Worker) Unsubscribe() error {
	w.mu.Lock()
	if !w.push {
		w.mu.Unlock()
		return nil
	}
	w.push = false
	sub := w.subscription
	w.subscription = nil
	w.mu.Unlock()

	if sub != nil {
		w.txns.Remove(sub.ID)
		// Claiming the posted flag keeps a queued subscribe from ever leaving.
		// The delegate never saw it, so it needs no unsubscribe either.
		if sub.MarkPosted() {
			w.channelIfExists().unqueueIfPresent(sub.ID)
			return nil
		}
	}
	tx, err := w.newTransaction(protocol.KindUnsubscribe, nil)
	if err != nil {
		return err
	}
	return w.deliver(tx)
}

func (w *Worker) resetSubscription(tx *txn.Transaction) {
	w.mu.Lock()
	if w.subscription == tx {
		w.subscription = nil
		w.push = false
	}
	w.mu.Unlock()
}

func (w *Worker) pushHandler() func(json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.push {
		return nil
	}
	return w.onPush
}

func (w *Worker) newTransaction(kind protocol.Kind, payload any) (*txn.Transaction, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	id := w.rt.newID()
	wire, err := w.rt.codec.Encode(protocol.Envelope{
		Data: data,
		Control: protocol.Control{
			WorkerID:      w.id,
			TransactionID: id,
			Protocol:      w.protocol,
			Kind:          kind,
		},
	})
	if err != nil {
		return nil, err
	}
	return txn.New(id, w.id, kind, data, wire), nil
}

func (w *Worker) deliver(tx *txn.Transaction) error {
	ch, err := w.channel()
	if err != nil {
		return err
	}
	return ch.send(tx)
}

func (w *Worker) channel() (*Channel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		return w.ch, nil
	}
	ch, err := w.rt.channel(w.protocol)
	if err != nil {
		return nil, err
	}
	w.ch = ch
	return ch, nil
}

func (w *Worker) channelIfExists() *Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// abandon removes tx from the registry and from the send queue, then settles
// it with err.
func (w *Worker) abandon(tx *txn.Transaction, err error) {
	w.txns.Remove(tx.ID)
	w.channelIfExists().unqueueIfPresent(tx.ID)
	tx.Settle(txn.Result{Err: err})
}

func (w *Worker) abandonAll(err error) {
	for _, tx := range w.txns.Drain() {
		tx.Settle(txn.Result{Err: err})
	}
}

func (r *Runtime) abandon(tx *txn.Transaction, err error) {
	if w := r.worker(tx.WorkerID); w != nil {
		w.txns.Remove(tx.ID)
	}
	tx.Settle(txn.Result{Err: err})
}

func (c *Channel) unqueueIfPresent(id string) {
	if c != nil {
		c.unqueue(id)
	}
}

// Call is a request in flight.
type Call struct {
	w     *Worker
	tx    *txn.Transaction
	timer *time.Timer
}

func failedCall(err error) *Call {
	tx := txn.New("", "", protocol.KindRequest, nil, nil)
	tx.Settle(txn.Result{Err: err})
	return &Call{tx: tx}
}

// ID returns the transaction id, empty if the call failed before sending.
func (c *Call) ID() string { return c.tx.ID }

// Done is closed once the call has an outcome.
func (c *Call) Done() <-chan struct{} { return c.tx.Done() }

// Wait blocks until the call settles or ctx is done, in which case the call
// is abandoned and ctx's error returned.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.tx.Done():
	case <-ctx.Done():
		c.abort(ctx.Err())
	}
	return c.result()
}

// Cancel abandons the call. A reply arriving later is dropped.
func (c *Call) Cancel() {
	c.abort(ErrCanceled)
}

func (c *Call) abort(err error) {
	if c.w == nil {
		return
	}
	c.w.abandon(c.tx, err)
}

func (c *Call) result() (json.RawMessage, error) {
	<-c.tx.Done()
	if c.timer != nil {
		c.timer.Stop()
	}
	res := c.tx.Result()
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Status != protocol.StatusSuccess {
		return nil, &RejectedError{Payload: res.Payload}
	}
	return res.Payload, nil
}
