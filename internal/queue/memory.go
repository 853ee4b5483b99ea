package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is the in-process Queue used by tests and single-binary dev runs.
// Semantics match the durable implementations: at-least-once, visibility
// timeout redelivery, immediate redelivery on Nack.
type Memory struct {
	mu         sync.Mutex
	visibility time.Duration
	nextID     int64
	pending    map[string][]*memEntry
	inflight   map[string]map[string]*memEntry
}

type memEntry struct {
	id           string
	body         []byte
	receiveCount int
	deadline     time.Time
}

func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		visibility: visibility,
		pending:    make(map[string][]*memEntry),
		inflight:   make(map[string]map[string]*memEntry),
	}
}

func (m *Memory) Send(ctx context.Context, q string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	b := make([]byte, len(body))
	copy(b, body)
	m.pending[q] = append(m.pending[q], &memEntry{
		id:   strconv.FormatInt(m.nextID, 10),
		body: b,
	})
	return nil
}

func (m *Memory) tryReceive(q string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Reap expired in-flight entries first.
	now := time.Now()
	for id, e := range m.inflight[q] {
		if e.deadline.Before(now) {
			delete(m.inflight[q], id)
			m.pending[q] = append(m.pending[q], e)
		}
	}

	if len(m.pending[q]) == 0 {
		return nil
	}
	e := m.pending[q][0]
	m.pending[q] = m.pending[q][1:]
	e.receiveCount++
	e.deadline = now.Add(m.visibility)
	if m.inflight[q] == nil {
		m.inflight[q] = make(map[string]*memEntry)
	}
	// The receipt is per delivery, not per message, so an ack through a stale
	// receipt cannot drop a redelivered copy.
	receipt := e.id + ":" + strconv.Itoa(e.receiveCount)
	m.inflight[q][receipt] = e

	return &Message{ID: e.id, Body: e.body, ReceiveCount: e.receiveCount, receipt: receipt}
}

func (m *Memory) Receive(ctx context.Context, q string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msg := m.tryReceive(q); msg != nil {
			return msg, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) Ack(ctx context.Context, q string, msg *Message) error {
	if msg == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight[q], msg.receipt)
	return nil
}

func (m *Memory) Nack(ctx context.Context, q string, msg *Message) error {
	if msg == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.inflight[q][msg.receipt]; ok {
		delete(m.inflight[q], msg.receipt)
		m.pending[q] = append(m.pending[q], e)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports pending depth; test helper.
func (m *Memory) Len(q string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[q])
}

// InFlight reports in-flight depth; test helper.
func (m *Memory) InFlight(q string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight[q])
}
