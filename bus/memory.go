package bus

import (
	"context"
	"sync"
	"time"

	"eventcore/domain"
)

// MemoryTransport is an in-process FIFO queue. It is used when no broker is
// reachable and in tests.
type MemoryTransport struct {
	mu     sync.Mutex
	queue  []domain.Event
	signal chan struct{}
	closed bool
}

var _ Transport = (*MemoryTransport)(nil)

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{signal: make(chan struct{}, 1)}
}

func (m *MemoryTransport) Name() string { return "memory" }

func (m *MemoryTransport) Publish(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.Data = append([]byte(nil), ev.Data...)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryTransport) Next(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrTransportClosed
		}
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue[0] = domain.Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return &Delivery{Event: ev}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.signal:
		case <-timer.C:
			return nil, nil
		}
	}
}

func (m *MemoryTransport) Backlog(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	return nil
}
