package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventcore/bus"
	"eventcore/command"
	"eventcore/config"
	"eventcore/domain"
	"eventcore/eventlog"
	eventsqlite "eventcore/eventlog/sqlite"
	eventtable "eventcore/eventlog/table"
	"eventcore/internal/azstore"
	"eventcore/readmodel"
)

// app owns every long-lived component of the process.
type app struct {
	events    eventlog.Log
	readModel domain.ReadModel
	bus       *bus.Bus
	users     *command.UserService
	items     *command.ItemService
	redis     *redis.Client
	closers   []io.Closer
}

func newApp(ctx context.Context, cfg config.Config, roles []domain.Role) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.NeedsRedis() {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, err
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.redis)
	}

	if a.events, err = openEventLog(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.events)

	if a.readModel, err = openReadModel(cfg); err != nil {
		return nil, err
	}
	if c, ok := a.readModel.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if cfg.CacheTTL > 0 {
		a.readModel = readmodel.NewCache(a.readModel, a.redis, cfg.CacheTTL)
	}

	transport, err := connectTransport(ctx, cfg, a.redis)
	if err != nil {
		return nil, err
	}
	busOpts := []bus.Option{
		bus.WithStopTimeout(cfg.BusStopTimeout),
		bus.WithPollWait(cfg.BusPollInterval),
	}
	if cfg.DeduperTTL > 0 {
		busOpts = append(busOpts, bus.WithDeduper(bus.NewRedisDeduper(a.redis, cfg.DeduperTTL)))
	}
	a.bus = bus.New(transport, busOpts...)

	orch := domain.NewReadModelOrchestrator(a.readModel)
	orch.Register(a.bus)

	if _, err := command.SeedRoles(ctx, a.readModel, roles); err != nil {
		return nil, err
	}
	if cfg.RebuildOnStart {
		if _, err := domain.Rebuild(ctx, a.events, orch); err != nil {
			return nil, fmt.Errorf("rebuild read model: %w", err)
		}
	}

	a.users = command.NewUserService(a.events, a.bus, a.readModel)
	a.items = command.NewItemService(a.events, a.bus, a.readModel)
	return a, nil
}

func openEventLog(cfg config.Config) (eventlog.Log, error) {
	switch cfg.EventLogBackend {
	case "table":
		svc, err := azstore.Tables(cfg.StorageConnectionString)
		if err != nil {
			return nil, fmt.Errorf("event table client: %w", err)
		}
		return eventtable.New(svc, cfg.EventsTable), nil
	default:
		return eventsqlite.Open(cfg.EventsDBPath)
	}
}

func openReadModel(cfg config.Config) (domain.ReadModel, error) {
	switch cfg.ReadModelBackend {
	case "sqlite":
		return readmodel.OpenSQLite(cfg.ReadModelDBPath)
	case "table":
		svc, err := azstore.Tables(cfg.StorageConnectionString)
		if err != nil {
			return nil, fmt.Errorf("read model table client: %w", err)
		}
		return readmodel.NewTables(svc, cfg.UsersTable, cfg.ItemsTable, cfg.RolesTable), nil
	default:
		return readmodel.NewMemory(), nil
	}
}

func connectTransport(ctx context.Context, cfg config.Config, rc *redis.Client) (bus.Transport, error) {
	cc := bus.ConnectConfig{
		Kind:         cfg.BusTransport,
		Redis:        rc,
		Channel:      cfg.EventsChannel,
		PollInterval: cfg.BusPollInterval,
	}
	if cfg.BusTransport == bus.KindQueue {
		q, err := azstore.Queue(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			return nil, fmt.Errorf("events queue client: %w", err)
		}
		cc.Queue = q
	}
	return bus.Connect(ctx, cc)
}

// shutdown stops the bus and releases every resource.
func (a *app) shutdown(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Stop(ctx); err != nil {
			log.WithError(err).Warn("event bus stop")
		}
		stats := a.bus.Stats(ctx)
		log.WithFields(log.Fields{"processed": stats.Processed, "failed": stats.Failed}).Info("event bus stopped")
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.WithError(err).Warn("close")
		}
	}
	a.closers = nil
}
