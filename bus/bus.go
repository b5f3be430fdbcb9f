// Package bus distributes committed events to in-process subscribers over a
// pluggable transport.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventcore/domain"
)

var (
	// ErrStopped is returned by Publish and Start once the bus has been stopped.
	ErrStopped = errors.New("event bus stopped")
	// ErrStopTimeout is returned by Stop when the delivery loop had to be
	// cancelled because it did not finish within the stop timeout.
	ErrStopTimeout = errors.New("event bus stop timed out")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

const (
	defaultStopTimeout  = time.Second
	defaultPollWait     = time.Second
	defaultErrorBackoff = time.Second
)

// Stats is a snapshot of bus activity.
type Stats struct {
	Processed          int64              `json:"processed"`
	Failed             int64              `json:"failed"`
	RegisteredHandlers int                `json:"registered_handlers"`
	EventTypes         []domain.EventType `json:"event_types"`
	Backlog            int                `json:"queue_size"`
	Transport          string             `json:"transport"`
	Status             string             `json:"status"`
	Uptime             time.Duration      `json:"uptime"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithStopTimeout sets how long Stop waits before cancelling the loop.
func WithStopTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.stopTimeout = d
		}
	}
}

// WithPollWait sets how long the loop blocks on the transport per receive.
func WithPollWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.pollWait = d
		}
	}
}

// WithErrorBackoff sets the pause after a failed receive.
func WithErrorBackoff(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.errorBackoff = d
		}
	}
}

// WithDeduper skips events whose id the deduper has already seen.
func WithDeduper(d Deduper) Option {
	return func(b *Bus) { b.dedup = d }
}

// WithTracer overrides the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) {
		if t != nil {
			b.tracer = t
		}
	}
}

// Bus fans events out to the handlers subscribed to their type. Handlers run
// one at a time on a single background loop.
type Bus struct {
	transport Transport

	mu       sync.RWMutex
	handlers map[domain.EventType][]domain.Handler

	state     atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	startedAt time.Time

	lifecycle  sync.Mutex
	stopped    bool
	stopErr    error
	quit       chan struct{}
	done       chan struct{}
	stopRecv   context.CancelFunc
	stopHandle context.CancelFunc

	stopTimeout  time.Duration
	pollWait     time.Duration
	errorBackoff time.Duration
	dedup        Deduper
	tracer       trace.Tracer
	now          func() time.Time
}

var _ domain.Subscriber = (*Bus)(nil)

// New creates a bus over transport. Call Start to begin delivery.
func New(transport Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:    transport,
		handlers:     map[domain.EventType][]domain.Handler{},
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		stopTimeout:  defaultStopTimeout,
		pollWait:     defaultPollWait,
		errorBackoff: defaultErrorBackoff,
		tracer:       otel.Tracer("eventcore/bus"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events of type t. Handlers of one type run in
// registration order.
func (b *Bus) Subscribe(t domain.EventType, h domain.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
	log.WithField("event_type", t).Debug("handler subscribed")
}

// Publish hands ev to the transport. Delivery to handlers is asynchronous.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	if b.state.Load() == stateStopped {
		return ErrStopped
	}
	if err := b.transport.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	log.WithFields(log.Fields{"event_type": ev.Type, "aggregate": ev.AggregateID, "transport": b.transport.Name()}).Debug("event published")
	return nil
}

// Start launches the delivery loop. It returns immediately.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	switch b.state.Load() {
	case stateStopped:
		return ErrStopped
	case stateRunning:
		return errors.New("event bus already started")
	}
	handleCtx, stopHandle := context.WithCancel(ctx)
	recvCtx, stopRecv := context.WithCancel(handleCtx)
	b.stopHandle, b.stopRecv = stopHandle, stopRecv
	b.mu.Lock()
	b.startedAt = b.now()
	b.mu.Unlock()
	b.state.Store(stateRunning)
	go b.run(recvCtx, handleCtx)
	log.WithField("transport", b.transport.Name()).Info("event bus started")
	return nil
}

// Stop signals the loop to finish its current delivery and waits up to the
// stop timeout. If the loop is still busy its context is cancelled and
// ErrStopTimeout is returned. The transport is closed either way. Calling Stop
// again returns the first result.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.stopped {
		return b.stopErr
	}
	b.stopped = true
	prev := b.state.Swap(stateStopped)
	if prev != stateRunning {
		b.stopErr = b.transport.Close()
		return b.stopErr
	}
	close(b.quit)
	b.stopRecv()

	timer := time.NewTimer(b.stopTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.stopErr = ErrStopTimeout
	case <-ctx.Done():
		b.stopErr = fmt.Errorf("%w: %v", ErrStopTimeout, ctx.Err())
	}
	b.stopHandle()
	if err := b.transport.Close(); err != nil && b.stopErr == nil {
		b.stopErr = err
	}
	if b.stopErr != nil {
		log.WithError(b.stopErr).Warn("event bus forced to stop")
		return b.stopErr
	}
	log.Info("event bus stopped")
	return nil
}

// Stats reports counters and the transport's view of the backlog.
func (b *Bus) Stats(ctx context.Context) Stats {
	b.mu.RLock()
	startedAt := b.startedAt
	types := make([]domain.EventType, 0, len(b.handlers))
	handlers := 0
	for t, hs := range b.handlers {
		types = append(types, t)
		handlers += len(hs)
	}
	b.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	st := Stats{
		Processed:          b.processed.Load(),
		Failed:             b.failed.Load(),
		RegisteredHandlers: handlers,
		EventTypes:         types,
		Transport:          b.transport.Name(),
		Status:             "idle",
	}
	switch b.state.Load() {
	case stateRunning:
		st.Status = "running"
		st.Uptime = b.now().Sub(startedAt)
		st.Backlog = b.transport.Backlog(ctx)
	case stateStopped:
		st.Status = "stopped"
	default:
		st.Backlog = b.transport.Backlog(ctx)
	}
	return st
}

func (b *Bus) run(recvCtx, handleCtx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		default:
		}
		d, err := b.transport.Next(recvCtx, b.pollWait)
		if err != nil {
			if recvCtx.Err() != nil {
				return
			}
			log.WithError(err).WithField("transport", b.transport.Name()).Error("receive failed")
			select {
			case <-recvCtx.Done():
				return
			case <-time.After(b.errorBackoff):
			}
			continue
		}
		if d == nil {
			continue
		}
		select {
		case <-b.quit:
			// Unacked; a durable transport will redeliver it.
			return
		default:
		}
		b.dispatch(handleCtx, d)
	}
}

func (b *Bus) handlersFor(t domain.EventType) []domain.Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.Handler(nil), b.handlers[t]...)
}

func (b *Bus) dispatch(ctx context.Context, d *Delivery) {
	ev := d.Event
	ctx, span := b.tracer.Start(ctx, "bus.dispatch", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.aggregate_id", ev.AggregateID),
		attribute.Int64("event.version", ev.Version),
	))
	defer span.End()
	fields := log.Fields{"event_type": ev.Type, "aggregate": ev.AggregateID, "event_id": ev.ID}

	defer func() {
		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).WithFields(fields).Warn("failed to ack delivery")
		}
	}()

	if b.dedup != nil && ev.ID != "" {
		fresh, err := b.dedup.Add(ctx, ev.ID)
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("deduper unavailable, dispatching anyway")
		} else if !fresh {
			log.WithFields(fields).Debug("skipping already dispatched event")
			span.SetAttributes(attribute.Bool("event.duplicate", true))
			return
		}
	}

	handlers := b.handlersFor(ev.Type)
	if len(handlers) == 0 {
		log.WithFields(fields).Debug("no handlers for event")
	}
	failures := 0
	for i, h := range handlers {
		if err := invoke(ctx, h, ev); err != nil {
			failures++
			b.failed.Add(1)
			span.RecordError(err)
			log.WithError(err).WithFields(fields).WithField("handler", i).Error("event handler failed")
		}
	}
	if failures > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) failed", failures))
		if b.dedup != nil && ev.ID != "" {
			if err := b.dedup.Remove(context.WithoutCancel(ctx), ev.ID); err != nil {
				log.WithError(err).WithFields(fields).Warn("failed to clear dedup marker")
			}
		}
	}
	b.processed.Add(1)
}

func invoke(ctx context.Context, h domain.Handler, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// NewTestEvent builds a TEST_EVENT for checking bus connectivity. It is
// published directly and never stored.
func NewTestEvent(message string) domain.Event {
	now := time.Now().UTC()
	data, _ := domain.EncodePayload(domain.TestEventData{Message: message, Timestamp: now})
	return domain.Event{
		ID:          uuid.NewString(),
		AggregateID: "test-" + uuid.NewString()[:8],
		Type:        domain.TestEvent,
		Data:        data,
		Timestamp:   now,
	}
}
