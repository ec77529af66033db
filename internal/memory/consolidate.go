package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultMinChunkLength filters degenerate bulk-extraction chunks.
const DefaultMinChunkLength = 20

type phase int

const (
	phaseIdle phase = iota
	phaseGathering
	phaseExtracting
	phaseStoring
	phaseMarkingLedger
	phaseClearingCache
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseGathering:
		return "gathering"
	case phaseExtracting:
		return "extracting"
	case phaseStoring:
		return "storing"
	case phaseMarkingLedger:
		return "marking-ledger"
	case phaseClearingCache:
		return "clearing-cache"
	default:
		return "unknown"
	}
}

// Consolidator runs the nightly batch pass: everything in the cache that the
// immediate path never ledgered is summarized into memory chunks, stored,
// ledgered as batch-processed, and only then is the cache cleared. Any
// failure before the clear leaves the cache intact so the next run retries
// the same messages; chunk storage is not deduplicated, so partial progress
// from a failed run can produce near-duplicate chunks, which is accepted.
type Consolidator struct {
	cache      *ConversationCache
	engine     *Engine
	semantic   *SemanticStore
	classifier Classifier

	minChunkLen int
	running     atomic.Bool
}

func NewConsolidator(cache *ConversationCache, engine *Engine, semantic *SemanticStore, classifier Classifier, minChunkLen int) *Consolidator {
	if minChunkLen <= 0 {
		minChunkLen = DefaultMinChunkLength
	}
	return &Consolidator{
		cache:       cache,
		engine:      engine,
		semantic:    semantic,
		classifier:  classifier,
		minChunkLen: minChunkLen,
	}
}

// Run executes one consolidation pass. Re-entrant triggers are dropped: if a
// pass is already in flight the call returns immediately.
func (c *Consolidator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		log.Printf("[consolidate] pass already running, trigger dropped")
		return nil
	}
	defer c.running.Store(false)

	start := time.Now()
	log.Printf("[consolidate] phase=%s", phaseGathering)

	pending, err := c.gather()
	if err != nil {
		return fmt.Errorf("gather pending messages: %w", err)
	}
	if len(pending) == 0 {
		log.Printf("[consolidate] nothing to consolidate, cache untouched")
		return nil
	}

	log.Printf("[consolidate] phase=%s messages=%d", phaseExtracting, len(pending))
	raw, err := c.classifier.ExtractBatch(ctx, formatConversation(pending))
	if err != nil {
		return fmt.Errorf("batch extraction: %w", err)
	}
	chunks := SplitBatchChunks(raw, c.minChunkLen)

	log.Printf("[consolidate] phase=%s chunks=%d", phaseStoring, len(chunks))
	now := time.Now()
	for _, chunk := range chunks {
		if err := c.semantic.StoreChunk(ctx, chunk, len(pending), now); err != nil {
			return fmt.Errorf("store chunk: %w", err)
		}
	}

	log.Printf("[consolidate] phase=%s", phaseMarkingLedger)
	for _, entry := range pending {
		if err := c.engine.UpsertLedger(entry.MessageID, ProcessingBatch, StoredInConsolidated); err != nil {
			return fmt.Errorf("mark ledger for %s: %w", entry.MessageID, err)
		}
	}

	log.Printf("[consolidate] phase=%s", phaseClearingCache)
	c.cache.Clear()

	log.Printf("[consolidate] done: %d messages into %d chunks in %s",
		len(pending), len(chunks), time.Since(start).Round(time.Millisecond))
	return nil
}

// Running reports whether a pass is currently in flight.
func (c *Consolidator) Running() bool {
	return c.running.Load()
}

// gather snapshots the cache and keeps only messages the ledger has never
// seen. A ledger read error aborts the pass rather than risking
// double-processing.
func (c *Consolidator) gather() ([]CacheEntry, error) {
	snapshot := c.cache.Snapshot()
	pending := make([]CacheEntry, 0, len(snapshot))
	for _, entry := range snapshot {
		seen, err := c.engine.HasLedgerRecord(entry.MessageID)
		if err != nil {
			return nil, fmt.Errorf("ledger lookup for %s: %w", entry.MessageID, err)
		}
		if !seen {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

func formatConversation(entries []CacheEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString("[")
		sb.WriteString(string(e.Turn.Role))
		sb.WriteString("]: ")
		sb.WriteString(e.Turn.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
