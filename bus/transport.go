package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"eventcore/domain"
)

// ErrTransportUnavailable is returned when a networked transport cannot reach
// its broker. Connect treats it as a signal to fall back to memory.
var ErrTransportUnavailable = errors.New("transport unavailable")

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport moves serialized events between publishers and the delivery loop.
type Transport interface {
	Name() string
	Publish(ctx context.Context, ev domain.Event) error
	// Next waits up to wait for the next delivery. It returns nil, nil when
	// the window passes without a message.
	Next(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Backlog is the number of accepted events not yet handed to Next, as far
	// as the transport can tell.
	Backlog(ctx context.Context) int
	Close() error
}

// Delivery is one event handed to the bus loop.
type Delivery struct {
	Event domain.Event
	ack   func(ctx context.Context) error
}

// Ack confirms the delivery so the transport does not redeliver it.
func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (domain.Event, error) {
	var ev domain.Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return domain.Event{}, fmt.Errorf("decode event: missing event_type")
	}
	return ev, nil
}
