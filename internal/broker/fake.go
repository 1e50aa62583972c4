package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FakeBroker is an in-memory Broker used by Control Loop and contract
// tests. It mimics at-least-once delivery: a message stays pending (and is
// redelivered to the next GetMessages call) until Ack is called with its
// SystemID.
type FakeBroker struct {
	mu      sync.Mutex
	queues  map[string][]Message
	pending map[string]Message // systemID -> message, removed on Ack
	order   []string           // systemIDs in delivery order, oldest first
	sent    map[string][][]byte
	nextID  atomic.Int64
	closed  bool
}

// NewFake creates an empty FakeBroker.
func NewFake() *FakeBroker {
	return &FakeBroker{
		queues:  make(map[string][]Message),
		pending: make(map[string]Message),
	}
}

// Enqueue is a test helper that injects a payload directly onto queue,
// bypassing Send, so tests can set up inbound messages for the kernel to
// consume.
func (f *FakeBroker) Enqueue(queue string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queue] = append(f.queues[queue], Message{Queue: queue, Payload: payload})
}

// Sent returns a copy of every payload ever sent to queue via Send, in
// send order, for test assertions.
func (f *FakeBroker) Sent(queue string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.sent[queue] {
		out = append(out, m)
	}
	return out
}

// GetMessages moves any newly queued payloads into the pending set, then
// returns every message on queue still awaiting an Ack, oldest first —
// matching the real brokers, where an unacked message keeps being handed
// back on every fetch until it is acked (spec §4.1's at-least-once
// guarantee) and delivery order within one queue is preserved (Redis
// Streams and the SQLite broker's ORDER BY id both guarantee this).
func (f *FakeBroker) GetMessages(ctx context.Context, queue string, timeout time.Duration) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.queues[queue] {
		id := fmt.Sprintf("%s-%d", queue, f.nextID.Add(1))
		m.SystemID = id
		f.pending[id] = m
		f.order = append(f.order, id)
	}
	f.queues[queue] = nil

	var out []Message
	for _, id := range f.order {
		if m, ok := f.pending[id]; ok && m.Queue == queue {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *FakeBroker) Ack(ctx context.Context, systemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, systemID)
	return nil
}

// Send enqueues payload on queue, exactly as a real broker would, and also
// records it under Sent(queue) so tests can inspect outbound traffic
// without needing a matching consumer to dequeue and Ack it first.
func (f *FakeBroker) Send(ctx context.Context, queue string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][][]byte)
	}
	f.sent[queue] = append(f.sent[queue], payload)
	f.queues[queue] = append(f.queues[queue], Message{Queue: queue, Payload: payload})
	return nil
}

func (f *FakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
