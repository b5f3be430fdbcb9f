// Package provision creates the Azure tables and queues eventcore needs.
// Creating a resource that already exists is not an error, so it is safe to
// run on every start.
package provision

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	log "github.com/sirupsen/logrus"

	"eventcore/internal/azstore"
)

type tableCreator interface {
	CreateTable(ctx context.Context, name string, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

type queueCreator interface {
	Create(ctx context.Context, options *azqueue.CreateOptions) (azqueue.CreateResponse, error)
}

// Provisioner creates storage resources against one storage account.
type Provisioner struct {
	tables tableCreator
	queue  func(name string) (queueCreator, error)
}

// New builds a Provisioner for the account in connStr.
func New(connStr string) (*Provisioner, error) {
	svc, err := azstore.Tables(connStr)
	if err != nil {
		return nil, fmt.Errorf("table client: %w", err)
	}
	return &Provisioner{
		tables: svc,
		queue: func(name string) (queueCreator, error) {
			return azstore.Queue(connStr, name)
		},
	}, nil
}

// Tables creates each named table. Blank names are skipped.
func (p *Provisioner) Tables(ctx context.Context, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := p.tables.CreateTable(ctx, name, nil); err != nil {
			if azstore.HasCode(err, string(aztables.TableAlreadyExists)) {
				log.WithField("table", name).Debug("table already exists")
				continue
			}
			return fmt.Errorf("create table %s: %w", name, err)
		}
		log.WithField("table", name).Info("table created")
	}
	return nil
}

// Queues creates each named queue. Blank names are skipped.
func (p *Provisioner) Queues(ctx context.Context, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := p.queue(name)
		if err != nil {
			return fmt.Errorf("queue client %s: %w", name, err)
		}
		if _, err := q.Create(ctx, nil); err != nil {
			if queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
				log.WithField("queue", name).Debug("queue already exists")
				continue
			}
			return fmt.Errorf("create queue %s: %w", name, err)
		}
		log.WithField("queue", name).Info("queue created")
	}
	return nil
}
