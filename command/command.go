// Package command implements the write side: commands validate against the
// read model, append an event, publish it and project it directly so reads
// see the write immediately.
package command

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventcore/domain"
)

// EventLog appends events. Implemented by the eventlog backends.
type EventLog interface {
	Append(ctx context.Context, aggregateID string, t domain.EventType, data any) (domain.Event, error)
}

// Publisher hands committed events to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Option configures a service.
type Option func(*core)

// WithTracer overrides the tracer used for command spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *core) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *core) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides how aggregate ids are minted.
func WithIDGenerator(newID func() string) Option {
	return func(c *core) {
		if newID != nil {
			c.newID = newID
		}
	}
}

type core struct {
	log    EventLog
	pub    Publisher
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

func newCore(el EventLog, pub Publisher, opts []Option) core {
	c := core{
		log:    el,
		pub:    pub,
		tracer: otel.Tracer("eventcore/command"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// commit appends the event and publishes it. A publish failure is logged and
// not returned: the event is durable and a rebuild replays it.
func (c core) commit(ctx context.Context, aggregateID string, t domain.EventType, payload any) (domain.Event, error) {
	ev, err := c.log.Append(ctx, aggregateID, t, payload)
	if err != nil {
		return domain.Event{}, err
	}
	if c.pub != nil {
		if err := c.pub.Publish(ctx, ev); err != nil {
			log.WithError(err).WithFields(log.Fields{"event_type": t, "aggregate": aggregateID, "version": ev.Version}).Warn("event stored but not published")
		}
	}
	return ev, nil
}

func (c core) span(ctx context.Context, name, aggregateID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("aggregate.id", aggregateID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
