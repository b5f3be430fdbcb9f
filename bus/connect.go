package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Transport kinds accepted by Connect.
const (
	KindRedis  = "redis"
	KindQueue  = "queue"
	KindMemory = "memory"
)

// ConnectConfig selects and configures the transport.
type ConnectConfig struct {
	Kind         string
	Redis        *redis.Client
	Channel      string
	Queue        *azqueue.QueueClient
	PollInterval time.Duration
	// DialTimeout bounds the reachability check of a networked transport.
	DialTimeout time.Duration
}

// Connect opens the configured transport. When a networked broker cannot be
// reached it logs a warning and returns a MemoryTransport instead; events
// then only reach subscribers in this process.
func Connect(ctx context.Context, cfg ConnectConfig) (Transport, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		t   Transport
		err error
	)
	switch cfg.Kind {
	case KindRedis:
		t, err = NewRedisTransport(dialCtx, cfg.Redis, cfg.Channel)
	case KindQueue:
		t, err = NewQueueTransport(dialCtx, cfg.Queue, cfg.PollInterval)
	case KindMemory, "":
		return NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Kind)
	}
	if err == nil {
		log.WithField("transport", t.Name()).Info("event bus connected")
		return t, nil
	}
	if !errors.Is(err, ErrTransportUnavailable) {
		return nil, err
	}
	log.WithError(err).WithField("transport", cfg.Kind).Warn("event bus broker unreachable, falling back to in-memory transport")
	return NewMemoryTransport(), nil
}
