package memory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestConsolidator(t *testing.T, fc *fakeClassifier, vectors map[string][]float32) (*Consolidator, *Engine, *SemanticStore, *ConversationCache) {
	t.Helper()
	engine := newTestEngine(t)
	semantic, err := NewSemanticStore("", &fakeEmbedder{vectors: vectors}, 0)
	if err != nil {
		t.Fatalf("NewSemanticStore error: %v", err)
	}
	cache := NewConversationCache(0, 0)
	c := NewConsolidator(cache, engine, semantic, fc, 0)
	return c, engine, semantic, cache
}

func TestConsolidateSuccess(t *testing.T) {
	fc := &fakeClassifier{
		batch: "the user adopted a cat named juniper this spring\n---\nthe user is planning a trip to lisbon",
	}
	c, engine, semantic, cache := newTestConsolidator(t, fc, map[string][]float32{
		"the user adopted a cat named juniper this spring": {1, 0, 0},
		"the user is planning a trip to lisbon":            {0, 1, 0},
	})

	cache.Append(makeTurn("m1", "we adopted a cat!"))
	cache.Append(makeTurn("m2", "thinking about lisbon in october"))

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if semantic.Count() != 2 {
		t.Fatalf("expected 2 chunks stored, got %d", semantic.Count())
	}
	for _, id := range []string{"m1", "m2"} {
		rec, err := engine.GetLedgerRecord(id)
		if err != nil {
			t.Fatalf("GetLedgerRecord(%s) error: %v", id, err)
		}
		if rec == nil || rec.ProcessingType != ProcessingBatch || rec.StoredIn != StoredInConsolidated {
			t.Fatalf("unexpected ledger for %s: %+v", id, rec)
		}
	}
	if cache.Len() != 0 {
		t.Fatalf("cache must be cleared after success, got %d", cache.Len())
	}
}

func TestConsolidateSkipsLedgeredMessages(t *testing.T) {
	fc := &fakeClassifier{batch: "only the second message carries anything new"}
	c, engine, _, cache := newTestConsolidator(t, fc, map[string][]float32{
		"only the second message carries anything new": {1, 0, 0},
	})

	cache.Append(makeTurn("m1", "already handled immediately"))
	cache.Append(makeTurn("m2", "fresh message"))
	if err := engine.UpsertLedger("m1", ProcessingImmediate, "fact"); err != nil {
		t.Fatalf("UpsertLedger error: %v", err)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(fc.batchInputs) != 1 {
		t.Fatalf("expected one batch call, got %d", len(fc.batchInputs))
	}
	if strings.Contains(fc.batchInputs[0], "already handled immediately") {
		t.Fatal("ledgered message leaked into the batch conversation")
	}
	if !strings.Contains(fc.batchInputs[0], "fresh message") {
		t.Fatal("pending message missing from the batch conversation")
	}

	// m1 keeps its immediate record.
	rec, _ := engine.GetLedgerRecord("m1")
	if rec == nil || rec.ProcessingType != ProcessingImmediate {
		t.Fatalf("immediate record must survive consolidation: %+v", rec)
	}
}

func TestConsolidateNothingPendingLeavesCache(t *testing.T) {
	fc := &fakeClassifier{}
	c, engine, _, cache := newTestConsolidator(t, fc, nil)

	cache.Append(makeTurn("m1", "handled already"))
	if err := engine.UpsertLedger("m1", ProcessingImmediate, "fact"); err != nil {
		t.Fatalf("UpsertLedger error: %v", err)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if fc.batchCalls != 0 {
		t.Fatal("no-op pass must not call the classifier")
	}
	if cache.Len() != 1 {
		t.Fatalf("no-op pass must leave the cache untouched, got %d", cache.Len())
	}
}

func TestConsolidateExtractionFailurePreservesCache(t *testing.T) {
	fc := &fakeClassifier{batchErr: errTest}
	c, engine, semantic, cache := newTestConsolidator(t, fc, nil)

	cache.Append(makeTurn("m1", "something"))

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error from failed extraction")
	}
	if cache.Len() != 1 {
		t.Fatalf("failed pass must preserve the cache, got %d", cache.Len())
	}
	if semantic.Count() != 0 {
		t.Fatal("failed pass must not store chunks")
	}
	seen, err := engine.HasLedgerRecord("m1")
	if err != nil {
		t.Fatalf("HasLedgerRecord error: %v", err)
	}
	if seen {
		t.Fatal("failed pass must not ledger messages")
	}
}

func TestConsolidateStoreFailurePreservesCache(t *testing.T) {
	fc := &fakeClassifier{batch: "a chunk the embedder cannot handle at all"}
	// No vector registered: StoreChunk fails on embed.
	c, engine, _, cache := newTestConsolidator(t, fc, map[string][]float32{})

	cache.Append(makeTurn("m1", "something"))

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error from failed chunk store")
	}
	if cache.Len() != 1 {
		t.Fatalf("failed pass must preserve the cache, got %d", cache.Len())
	}
	seen, _ := engine.HasLedgerRecord("m1")
	if seen {
		t.Fatal("failed pass must not ledger messages")
	}
}

func TestConsolidateDropsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fc := &blockingClassifier{release: release, started: started}

	engine := newTestEngine(t)
	semantic, err := NewSemanticStore("", &fakeEmbedder{vectors: map[string][]float32{
		"slow chunk summary from the blocked pass": {1, 0, 0},
	}}, 0)
	if err != nil {
		t.Fatalf("NewSemanticStore error: %v", err)
	}
	cache := NewConversationCache(0, 0)
	cache.Append(makeTurn("m1", "something"))
	c := NewConsolidator(cache, engine, semantic, fc, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Run(context.Background())
	}()

	<-started
	if !c.Running() {
		t.Fatal("expected pass to be marked running")
	}

	// Overlapping trigger is dropped without error.
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("overlapping Run error: %v", err)
	}
	if fc.calls() != 1 {
		t.Fatalf("overlapping trigger must not start a second extraction, got %d", fc.calls())
	}

	close(release)
	wg.Wait()

	if c.Running() {
		t.Fatal("running flag must reset after the pass")
	}
}

// blockingClassifier parks ExtractBatch until released, to exercise the
// reentrancy guard.
type blockingClassifier struct {
	release chan struct{}
	started chan struct{}

	mu sync.Mutex
	n  int
}

func (b *blockingClassifier) DetectImportance(context.Context, string, []CacheEntry) (ImportanceResult, error) {
	return ImportanceResult{}, nil
}

func (b *blockingClassifier) ExtractFacts(context.Context, string, []CacheEntry) ([]ExtractedFact, error) {
	return nil, nil
}

func (b *blockingClassifier) ExtractBatch(context.Context, string) (string, error) {
	b.mu.Lock()
	b.n++
	first := b.n == 1
	b.mu.Unlock()
	if first {
		close(b.started)
		<-b.release
	}
	return "slow chunk summary from the blocked pass", nil
}

func (b *blockingClassifier) ReformulateQuery(_ context.Context, q string, _ []CacheEntry) (string, error) {
	return q, nil
}

func (b *blockingClassifier) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestPhaseString(t *testing.T) {
	cases := map[phase]string{
		phaseIdle:          "idle",
		phaseGathering:     "gathering",
		phaseExtracting:    "extracting",
		phaseStoring:       "storing",
		phaseMarkingLedger: "marking-ledger",
		phaseClearingCache: "clearing-cache",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Fatalf("phase %d String() = %q, want %q", p, got, want)
		}
	}
}

func TestFormatConversation(t *testing.T) {
	entries := []CacheEntry{
		{Turn: Turn{Role: RoleUser, Content: "hi", CreatedAt: time.Now()}},
		{Turn: Turn{Role: RoleAssistant, Content: "hello", CreatedAt: time.Now()}},
	}
	want := "[user]: hi\n[assistant]: hello"
	if got := formatConversation(entries); got != want {
		t.Fatalf("formatConversation = %q, want %q", got, want)
	}
}
