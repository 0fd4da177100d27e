// Package txn tracks outstanding exchanges between a worker and its delegate.
package txn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/HsiangNianian/protoworker/internal/protocol"
)

var ErrDuplicateID = errors.New("duplicate transaction id")

// Result is the terminal outcome of a transaction. Err is set when the
// transaction ended without a reply.
type Result struct {
	Payload json.RawMessage
	Status  protocol.Status
	Err     error
}

type Transaction struct {
	ID       string
	WorkerID string
	Kind     protocol.Kind
	Payload  json.RawMessage
	// Wire is the encoded envelope, posted as is.
	Wire []byte

	posted atomic.Bool

	once   sync.Once
	done   chan struct{}
	result Result
}

func New(id, workerID string, kind protocol.Kind, payload json.RawMessage, wire []byte) *Transaction {
	return &Transaction{
		ID:       id,
		WorkerID: workerID,
		Kind:     kind,
		Payload:  payload,
		Wire:     wire,
		done:     make(chan struct{}),
	}
}

// MarkPosted flips the posted flag and reports whether the caller won the
// right to post.
func (t *Transaction) MarkPosted() bool {
	return t.posted.CompareAndSwap(false, true)
}

func (t *Transaction) Posted() bool {
	return t.posted.Load()
}

// Settle records the outcome. Only the first call has an effect.
func (t *Transaction) Settle(res Result) bool {
	settled := false
	t.once.Do(func() {
		t.result = res
		close(t.done)
		settled = true
	})
	return settled
}

func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Result must only be read after Done is closed.
func (t *Transaction) Result() Result {
	return t.result
}

type Registry struct {
	mu      sync.Mutex
	pending map[string]*Transaction
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Transaction)}
}

func (r *Registry) Add(t *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[t.ID]; ok {
		return fmt.Errorf("%w: id=%s", ErrDuplicateID, t.ID)
	}
	r.pending[t.ID] = t
	return nil
}

func (r *Registry) Get(id string) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pending[id]
	return t, ok
}

// Take removes and returns the transaction with the given id.
func (r *Registry) Take(id string) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return t, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []*Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transaction, 0, len(r.pending))
	for id, t := range r.pending {
		out = append(out, t)
		delete(r.pending, id)
	}
	return out
}
