package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"eventcore/domain"
)

const (
	minQueuePoll = 50 * time.Millisecond
	// seconds a dequeued message stays hidden before it is redelivered
	queueVisibilityTimeout = int32(30)
)

// QueueTransport carries events over an Azure Storage queue. Messages are
// deleted once the bus acks them, so a crash mid-dispatch redelivers.
type QueueTransport struct {
	queue   *azqueue.QueueClient
	maxPoll time.Duration
}

var _ Transport = (*QueueTransport)(nil)

// NewQueueTransport checks that the queue exists. maxPoll caps the idle
// polling interval.
func NewQueueTransport(ctx context.Context, queue *azqueue.QueueClient, maxPoll time.Duration) (*QueueTransport, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: no queue client configured", ErrTransportUnavailable)
	}
	if _, err := queue.GetProperties(ctx, nil); err != nil {
		return nil, fmt.Errorf("%w: queue properties: %v", ErrTransportUnavailable, err)
	}
	if maxPoll < minQueuePoll {
		maxPoll = time.Second
	}
	return &QueueTransport{queue: queue, maxPoll: maxPoll}, nil
}

func (q *QueueTransport) Name() string { return "azure-queue" }

func (q *QueueTransport) Publish(ctx context.Context, ev domain.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Next polls the queue with a doubling delay until a message arrives or the
// wait window closes.
func (q *QueueTransport) Next(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	delay := minQueuePoll
	for {
		d, err := q.dequeue(ctx)
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := nextPollDelay(delay, q.maxPoll)
		delay = sleep
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (q *QueueTransport) dequeue(ctx context.Context) (*Delivery, error) {
	vis := queueVisibilityTimeout
	resp, err := q.queue.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{VisibilityTimeout: &vis})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, nil
	}
	id, receipt := *msg.MessageID, *msg.PopReceipt
	ack := func(ctx context.Context) error {
		_, err := q.queue.DeleteMessage(ctx, id, receipt, nil)
		return err
	}
	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	ev, err := decodeEvent([]byte(text))
	if err != nil {
		log.WithError(err).WithField("message", id).Error("deleting undecodable message")
		if delErr := ack(ctx); delErr != nil {
			log.WithError(delErr).WithField("message", id).Warn("failed to delete undecodable message")
		}
		return nil, nil
	}
	return &Delivery{Event: ev, ack: ack}, nil
}

func (q *QueueTransport) Backlog(ctx context.Context) int {
	resp, err := q.queue.GetProperties(ctx, nil)
	if err != nil || resp.ApproximateMessagesCount == nil {
		return 0
	}
	return int(*resp.ApproximateMessagesCount)
}

func (q *QueueTransport) Close() error { return nil }

func nextPollDelay(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
