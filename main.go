package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"eventcore/bus"
	"eventcore/config"
	"eventcore/domain"
	"eventcore/provision"
)

func main() {
	provisionStorage := flag.Bool("provision", false, "create the configured Azure tables and queue before starting")
	rebuild := flag.Bool("rebuild", false, "replay the event log into the read model on start")
	rolesFile := flag.String("roles", "", "YAML file with the roles to seed (overrides ROLES_FILE)")
	testMessage := flag.String("test-event", "", "publish a TEST_EVENT with this message after start")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if *rebuild {
		cfg.RebuildOnStart = true
	}
	if *rolesFile != "" {
		cfg.RolesFile = *rolesFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *provisionStorage {
		if err := provisionAll(ctx, cfg); err != nil {
			log.Fatalf("provision: %v", err)
		}
	}

	roles := domain.DefaultRoles()
	if cfg.RolesFile != "" {
		if roles, err = domain.LoadRoles(cfg.RolesFile); err != nil {
			log.Fatalf("roles: %v", err)
		}
	}

	a, err := newApp(ctx, cfg, roles)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := a.bus.Start(ctx); err != nil {
		a.close()
		log.Fatalf("start bus: %v", err)
	}
	log.WithFields(log.Fields{
		"event_log":  cfg.EventLogBackend,
		"read_model": cfg.ReadModelBackend,
		"transport":  a.bus.Stats(ctx).Transport,
	}).Info("eventcore started")

	if *testMessage != "" {
		if err := a.bus.Publish(ctx, bus.NewTestEvent(*testMessage)); err != nil {
			log.WithError(err).Warn("publish test event")
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BusStopTimeout+5*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
}

func provisionAll(ctx context.Context, cfg config.Config) error {
	if !cfg.NeedsStorage() {
		log.Info("no azure storage backend configured, nothing to provision")
		return nil
	}
	p, err := provision.New(cfg.StorageConnectionString)
	if err != nil {
		return err
	}
	var tables []string
	if cfg.EventLogBackend == "table" {
		tables = append(tables, cfg.EventsTable)
	}
	if cfg.ReadModelBackend == "table" {
		tables = append(tables, cfg.UsersTable, cfg.ItemsTable, cfg.RolesTable)
	}
	if err := p.Tables(ctx, tables...); err != nil {
		return err
	}
	if cfg.BusTransport == bus.KindQueue {
		return p.Queues(ctx, cfg.EventsQueue)
	}
	return nil
}
