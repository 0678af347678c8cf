package mongo

import (
	"context"
	"errors"

	mongoc "github.com/pathscope/slidepilot/features/run/mongo/clients/mongo"
	"github.com/pathscope/slidepilot/runtime/run"
)

type (
	// Options configures the run store.
	Options struct {
		// Client is the low-level Mongo client. Required.
		Client mongoc.Client
	}

	// Store implements run.Store by delegating to the Mongo client.
	Store struct {
		client mongoc.Client
	}
)

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the low-level client from opts and wraps it in a
// Store.
func NewStoreFromMongo(opts mongoc.Options) (*Store, error) {
	client, err := mongoc.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Upsert stores the provided run record.
func (s *Store) Upsert(ctx context.Context, rec run.Record) error {
	return s.client.UpsertRun(ctx, rec)
}

// Load retrieves a run record from storage.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}

// List returns every stored run record, most recently started first.
func (s *Store) List(ctx context.Context) ([]run.Record, error) {
	return s.client.ListRuns(ctx)
}
