// -----------------------------------------------------------------------
// Mongo-backed Job Repository
//
// One package per storage backend, following the same shape as the
// Badger and SQLite job stores this repository contract was adapted
// from: a thin struct wrapping the driver client, constructed with a
// logger, implementing the shared repository.Repository interface.
// -----------------------------------------------------------------------

package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

const (
	jobsCollection    = "jobs"
	batchesCollection = "batches"

	defaultLogCap = 1000
)

// Store implements repository.Repository against MongoDB.
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	jobs     *mongo.Collection
	batches  *mongo.Collection
	logger   arbor.ILogger
	logCap   int
	dispatch func(ctx context.Context, batch *models.Batch)
}

// Option configures a Store.
type Option func(*Store)

// WithLogCap overrides the default per-job log cap (spec §4.1, default 1000).
func WithLogCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logCap = n
		}
	}
}

// WithBatchWebhookDispatch wires the callback the store invokes at most
// once per batch when RecomputeBatch observes a fresh terminal state and
// the batch carries a webhook (resolves spec §9.2 open question: fires
// exactly once, on terminal transition, never on intermediate ones).
func WithBatchWebhookDispatch(fn func(ctx context.Context, batch *models.Batch)) Option {
	return func(s *Store) {
		s.dispatch = fn
	}
}

// Connect dials MongoDB and returns a ready Store. Required indexes from
// spec §6.1 are created idempotently.
func Connect(ctx context.Context, uri, database string, logger arbor.ILogger, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:  client,
		db:      db,
		jobs:    db.Collection(jobsCollection),
		batches: db.Collection(batchesCollection),
		logger:  logger,
		logCap:  defaultLogCap,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	jobIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: 1}}},
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.jobs.Indexes().CreateMany(ctx, jobIndexes); err != nil {
		return err
	}

	batchIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "is_active", Value: 1}}},
		{Keys: bson.D{{Key: "archived", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "batch_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	_, err := s.batches.Indexes().CreateMany(ctx, batchIndexes)
	return err
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func newJobID() string {
	return uuid.New().String()
}

func newBatchID() string {
	return uuid.New().String()
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == mongo.ErrNoDocuments {
		return err
	}
	return &jobqueue.RepositoryError{Op: op, Err: err}
}

// currentTime is split out so tests can stub it; production always uses
// wall-clock time.
var currentTime = time.Now
