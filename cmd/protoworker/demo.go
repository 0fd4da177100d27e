package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiangNianian/protoworker/pkg/protoworker"
)

// echoHandler answers requests with {"echo": payload} and rejects payloads
// carrying "reject": true. Subscribers get a tick every interval until they
// unsubscribe.
type echoHandler struct {
	ctx      context.Context
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newEchoHandler(ctx context.Context, logger *slog.Logger, interval time.Duration) *echoHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &echoHandler{
		ctx:      ctx,
		logger:   logger,
		interval: interval,
		streams:  make(map[string]context.CancelFunc),
	}
}

func (h *echoHandler) handle(msg protoworker.IncomingMessage) {
	switch m := msg.(type) {
	case *protoworker.Request:
		var body struct {
			Reject bool `json:"reject"`
		}
		_ = json.Unmarshal(m.Payload, &body)
		var err error
		if body.Reject {
			err = m.Reject(map[string]string{"reason": "rejected on request"})
		} else {
			err = m.Respond(map[string]json.RawMessage{"echo": m.Payload})
		}
		if err != nil {
			h.logger.Warn("reply failed", "worker_id", m.WorkerID, "transaction_id", m.TransactionID, "error", err)
		}
	case *protoworker.Subscribed:
		h.startStream(m)
	case *protoworker.Unsubscribed:
		h.stopStream(m.WorkerID)
	}
}

func (h *echoHandler) startStream(sub *protoworker.Subscribed) {
	ctx, cancel := context.WithCancel(h.ctx)
	h.mu.Lock()
	if prev, ok := h.streams[sub.WorkerID]; ok {
		prev()
	}
	h.streams[sub.WorkerID] = cancel
	h.mu.Unlock()
	h.logger.Info("stream started", "worker_id", sub.WorkerID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for seq := 1; ; seq++ {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				err := sub.Push(map[string]any{"seq": seq, "time": t.UTC().Format(time.RFC3339Nano)})
				if err != nil {
					h.logger.Warn("push failed, stream stopped", "worker_id", sub.WorkerID, "error", err)
					h.stopStream(sub.WorkerID)
					return
				}
			}
		}
	}()
}

func (h *echoHandler) stopStream(workerID string) {
	h.mu.Lock()
	cancel, ok := h.streams[workerID]
	delete(h.streams, workerID)
	h.mu.Unlock()
	if ok {
		cancel()
		h.logger.Info("stream stopped", "worker_id", workerID)
	}
}

func (h *echoHandler) streamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// stop ends every stream and waits for them.
func (h *echoHandler) stop() {
	h.mu.Lock()
	for id, cancel := range h.streams {
		cancel()
		delete(h.streams, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
