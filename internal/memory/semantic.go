package memory

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const (
	DefaultDedupThreshold = 0.15

	semanticCollectionName = "memories"

	metaCategory       = "category"
	metaTimestamp      = "timestamp"
	metaLastUpdated    = "last_updated"
	metaProcessedType  = "processed_type"
	metaSourceMessages = "source_messages"
	metaEnriched       = "enriched"
	metaMessageCount   = "message_count"
)

// SemanticStore holds meaning-indexed facts in an embedded vector database.
// Duplicate detection is a nearest-neighbor-of-one test: a new text whose
// embedding distance to its closest stored fact is strictly below the dedup
// threshold enriches that fact instead of creating a new one. The threshold
// is tuned tight so missed duplicates are preferred over merging unrelated
// facts.
type SemanticStore struct {
	col       *chromem.Collection
	embedder  Embedder
	threshold float64

	// serializes the check-then-write dedup sequence
	mu sync.Mutex
}

func NewSemanticStore(path string, embedder Embedder, threshold float64) (*SemanticStore, error) {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open semantic store: %w", err)
		}
	}

	// Embeddings are always supplied explicitly, so no embedding func is
	// registered on the collection.
	col, err := db.GetOrCreateCollection(semanticCollectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create semantic collection: %w", err)
	}

	return &SemanticStore{
		col:       col,
		embedder:  embedder,
		threshold: threshold,
	}, nil
}

// Store persists a fact unless a semantically equivalent one already exists,
// in which case the existing fact is enriched: the source message id is
// appended, last_updated advances, and the text stays untouched.
func (s *SemanticStore) Store(ctx context.Context, text, category, sourceID string, timestamp time.Time) StoreResult {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("[semantic] embed fact failed: %v", err)
		return StoreResult{Outcome: OutcomeFailed}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.col.Count() > 0 {
		results, err := s.col.QueryEmbedding(ctx, vector, 1, nil, nil)
		if err != nil {
			log.Printf("[semantic] nearest neighbor query failed: %v", err)
			return StoreResult{Outcome: OutcomeFailed}
		}
		if len(results) == 1 {
			nearest := results[0]
			if distance(nearest.Similarity) < s.threshold {
				if err := s.enrich(ctx, nearest, sourceID, timestamp); err != nil {
					log.Printf("[semantic] enrich fact %s failed: %v", nearest.ID, err)
					return StoreResult{Outcome: OutcomeFailed}
				}
				return StoreResult{Outcome: OutcomeEnriched, FactID: nearest.ID}
			}
		}
	}

	id := uuid.NewString()
	ts := timestamp.Format(time.RFC3339)
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vector,
		Metadata: map[string]string{
			metaCategory:       category,
			metaTimestamp:      ts,
			metaLastUpdated:    ts,
			metaProcessedType:  string(ProcessingImmediate),
			metaSourceMessages: sourceID,
			metaEnriched:       "false",
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		log.Printf("[semantic] add fact failed: %v", err)
		return StoreResult{Outcome: OutcomeFailed}
	}
	return StoreResult{Outcome: OutcomeNew, FactID: id}
}

// enrich rewrites the stored document with merged metadata; text and
// embedding are carried over unchanged.
func (s *SemanticStore) enrich(ctx context.Context, existing chromem.Result, sourceID string, timestamp time.Time) error {
	metadata := make(map[string]string, len(existing.Metadata)+1)
	for k, v := range existing.Metadata {
		metadata[k] = v
	}
	if prev := metadata[metaSourceMessages]; prev != "" {
		metadata[metaSourceMessages] = prev + "," + sourceID
	} else {
		metadata[metaSourceMessages] = sourceID
	}
	metadata[metaLastUpdated] = timestamp.Format(time.RFC3339)
	metadata[metaEnriched] = "true"

	if err := s.col.Delete(ctx, nil, nil, existing.ID); err != nil {
		return fmt.Errorf("delete for metadata update: %w", err)
	}
	doc := chromem.Document{
		ID:        existing.ID,
		Content:   existing.Content,
		Embedding: existing.Embedding,
		Metadata:  metadata,
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("re-add with merged metadata: %w", err)
	}
	return nil
}

// StoreChunk persists one batch-consolidation memory chunk. Chunks are
// narrative summaries rather than atomic facts and are deliberately not
// checked against existing facts.
func (s *SemanticStore) StoreChunk(ctx context.Context, text string, messageCount int, timestamp time.Time) error {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := timestamp.Format(time.RFC3339)
	doc := chromem.Document{
		ID:        uuid.NewString(),
		Content:   text,
		Embedding: vector,
		Metadata: map[string]string{
			metaCategory:      StoredInConsolidated,
			metaTimestamp:     ts,
			metaLastUpdated:   ts,
			metaProcessedType: string(ProcessingBatch),
			metaMessageCount:  strconv.Itoa(messageCount),
			metaEnriched:      "false",
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add chunk: %w", err)
	}
	return nil
}

// Search returns up to limit facts nearest to the query, closest first.
// Read-only; no side effects on stored facts.
func (s *SemanticStore) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 3
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := s.col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			FactID:   r.ID,
			Text:     r.Content,
			Category: r.Metadata[metaCategory],
			Distance: distance(r.Similarity),
		})
	}
	return hits, nil
}

// Count reports the number of stored facts and chunks.
func (s *SemanticStore) Count() int {
	return s.col.Count()
}

// distance converts chromem's cosine similarity into the distance the dedup
// threshold is defined over (smaller = more similar).
func distance(similarity float32) float64 {
	return 1 - float64(similarity)
}
