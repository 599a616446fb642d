package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// FirestoreConfig holds configuration for the Firestore durable store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
	// MaxRecords bounds the collection; the oldest captured documents are evicted on overflow.
	MaxRecords int
}

// firestoreRecord is the document shape of a CacheRecord.
type firestoreRecord struct {
	SlotKey    string    `firestore:"slot_key"`
	ID         string    `firestore:"id"`
	Topic      string    `firestore:"topic"`
	Facet      string    `firestore:"facet"`
	Provider   string    `firestore:"provider"`
	Payload    []byte    `firestore:"payload"`
	CapturedAt time.Time `firestore:"captured_at"`
	ExpiresAt  time.Time `firestore:"expires_at"`
	Confidence *float64  `firestore:"confidence"`
	Seq        int64     `firestore:"seq"`
}

func toFirestore(rec types.CacheRecord) firestoreRecord {
	return firestoreRecord{
		SlotKey:    rec.Key(),
		ID:         rec.ID,
		Topic:      rec.Topic,
		Facet:      rec.Facet,
		Provider:   rec.Provider,
		Payload:    rec.Payload,
		CapturedAt: rec.CapturedAt,
		ExpiresAt:  rec.ExpiresAt,
		Confidence: rec.Confidence,
		Seq:        int64(rec.Seq),
	}
}

func (d firestoreRecord) record() types.CacheRecord {
	return types.CacheRecord{
		ID:         d.ID,
		Topic:      d.Topic,
		Facet:      d.Facet,
		Provider:   d.Provider,
		Payload:    d.Payload,
		CapturedAt: d.CapturedAt,
		ExpiresAt:  d.ExpiresAt,
		Confidence: d.Confidence,
		Seq:        uint64(d.Seq),
	}
}

// FirestoreStore is a durable RecordStore over a single Firestore collection.
// Document IDs are a hash of the slot key because slot keys contain
// characters Firestore does not allow in IDs.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	maxRecords     int
	logger         zerolog.Logger
	now            func() time.Time
}

// NewFirestoreStore creates a new FirestoreStore over an injected client.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		maxRecords:     cfg.MaxRecords,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
		now:            time.Now,
	}, nil
}

func docID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *FirestoreStore) collection() *firestore.CollectionRef {
	return s.client.Collection(s.collectionName)
}

// Get retrieves a single record by slot key.
func (s *FirestoreStore) Get(ctx context.Context, key string) (types.CacheRecord, error) {
	docSnap, err := s.collection().Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CacheRecord{}, fmt.Errorf("key '%v': %w", key, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to get document from Firestore.")
		return types.CacheRecord{}, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var doc firestoreRecord
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return types.CacheRecord{}, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	return doc.record(), nil
}

// Put writes the record document, then trims the collection to capacity.
func (s *FirestoreStore) Put(ctx context.Context, rec types.CacheRecord) error {
	key := rec.Key()
	if _, err := s.collection().Doc(docID(key)).Set(ctx, toFirestore(rec)); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	if s.maxRecords > 0 {
		if err := s.enforceCapacity(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to enforce Firestore store capacity.")
		}
	}
	s.logger.Debug().Str("key", key).Msg("Successfully wrote record to Firestore.")
	return nil
}

func (s *FirestoreStore) enforceCapacity(ctx context.Context) error {
	res, err := s.collection().NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return fmt.Errorf("firestore count: %w", err)
	}
	countValue, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return errors.New("firestore count: unexpected aggregation result")
	}
	overflow := int(countValue.GetIntegerValue()) - s.maxRecords
	if overflow <= 0 {
		return nil
	}
	docs, err := s.collection().OrderBy("captured_at", firestore.Asc).Limit(overflow).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("firestore oldest query: %w", err)
	}
	return s.deleteDocs(ctx, docs)
}

// Delete removes a slot document.
func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	_, err := s.collection().Doc(docID(key)).Delete(ctx)
	if err != nil {
		// It's often acceptable to ignore "not found" errors on delete.
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for key %s: %w", key, err)
	}
	return nil
}

// ListByTopic returns the topic's records, oldest first.
func (s *FirestoreStore) ListByTopic(ctx context.Context, topic string) ([]types.CacheRecord, error) {
	return s.collect(s.collection().Where("topic", "==", topic).Documents(ctx))
}

// List returns every record, oldest first.
func (s *FirestoreStore) List(ctx context.Context) ([]types.CacheRecord, error) {
	return s.collect(s.collection().Documents(ctx))
}

func (s *FirestoreStore) collect(iter *firestore.DocumentIterator) ([]types.CacheRecord, error) {
	defer iter.Stop()
	var out []types.CacheRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iterate: %w", err)
		}
		var doc firestoreRecord
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping unreadable Firestore document.")
			continue
		}
		out = append(out, doc.record())
	}
	sortByCaptured(out)
	return out, nil
}

// Stats counts records.
func (s *FirestoreStore) Stats(ctx context.Context) (types.StoreStats, error) {
	all, err := s.List(ctx)
	if err != nil {
		return types.StoreStats{}, err
	}
	return statsOf(all, s.now()), nil
}

// Clear deletes every document in the collection.
func (s *FirestoreStore) Clear(ctx context.Context) error {
	docs, err := s.collection().Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("firestore clear: %w", err)
	}
	return s.deleteDocs(ctx, docs)
}

// ClearExpired deletes documents whose horizon has passed.
func (s *FirestoreStore) ClearExpired(ctx context.Context) (int, error) {
	docs, err := s.collection().Where("expires_at", "<=", s.now()).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("firestore clear expired: %w", err)
	}
	if err := s.deleteDocs(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *FirestoreStore) deleteDocs(ctx context.Context, docs []*firestore.DocumentSnapshot) error {
	if len(docs) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, d := range docs {
		job, err := bw.Delete(d.Ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore bulk delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("firestore bulk delete: %w", err)
		}
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
