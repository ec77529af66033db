package memory

import (
	"context"
	"log"
	"strings"
	"time"
)

const (
	DefaultContextWindow    = 10
	DefaultSearchLimit      = 3
	DefaultRecentEventDays  = 7
	DefaultReformulateTurns = 3
)

// PipelineOptions tune the per-turn path; zero values take the defaults.
type PipelineOptions struct {
	ContextWindow    int
	SearchLimit      int
	RecentEventDays  int
	ReformulateTurns int
}

// Pipeline is the per-turn path: every inbound user turn enters the cache,
// gets a memory context assembled for the reply, and is synchronously
// offered to long-term storage. Memory failures never propagate to the chat
// response; the worst outcome is an unledgered turn that the nightly
// consolidation picks up later.
type Pipeline struct {
	cache      *ConversationCache
	engine     *Engine
	semantic   *SemanticStore
	classifier Classifier

	contextWindow    int
	searchLimit      int
	recentEventDays  int
	reformulateTurns int
}

func NewPipeline(cache *ConversationCache, engine *Engine, semantic *SemanticStore, classifier Classifier, opts PipelineOptions) *Pipeline {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.RecentEventDays <= 0 {
		opts.RecentEventDays = DefaultRecentEventDays
	}
	if opts.ReformulateTurns <= 0 {
		opts.ReformulateTurns = DefaultReformulateTurns
	}
	return &Pipeline{
		cache:            cache,
		engine:           engine,
		semantic:         semantic,
		classifier:       classifier,
		contextWindow:    opts.ContextWindow,
		searchLimit:      opts.SearchLimit,
		recentEventDays:  opts.RecentEventDays,
		reformulateTurns: opts.ReformulateTurns,
	}
}

// OnTurn handles one inbound user turn: cache it, assemble the memory
// context for the reply, and run the immediate-storage path. Always returns
// a context, possibly empty.
func (p *Pipeline) OnTurn(ctx context.Context, turn Turn) *AssembledContext {
	window := LastN(p.cache.Snapshot(), p.contextWindow)
	p.cache.Append(turn)

	assembled := p.assembleContext(ctx, turn.Content, window)
	p.storeImmediate(ctx, turn, window)
	return assembled
}

// ObserveAssistant records an assistant turn into the cache so it is part
// of future context windows and of the nightly consolidation.
func (p *Pipeline) ObserveAssistant(turn Turn) {
	p.cache.Append(turn)
}

// assembleContext builds the read-path context: reformulated semantic search
// plus recent relational events. Each leg degrades independently.
func (p *Pipeline) assembleContext(ctx context.Context, content string, window []CacheEntry) *AssembledContext {
	query := content
	if reformulated, err := p.classifier.ReformulateQuery(ctx, content, LastN(window, p.reformulateTurns)); err != nil {
		log.Printf("[pipeline] query reformulation failed, using raw query: %v", err)
	} else {
		query = reformulated
	}

	assembled := &AssembledContext{Query: query}

	hits, err := p.semantic.Search(ctx, query, p.searchLimit)
	if err != nil {
		log.Printf("[pipeline] semantic search failed: %v", err)
	} else {
		assembled.Facts = hits
	}

	events, err := p.engine.ListRecentEvents(p.recentEventDays)
	if err != nil {
		log.Printf("[pipeline] recent events lookup failed: %v", err)
	} else {
		assembled.Events = events
	}

	return assembled
}

// storeImmediate decides synchronously whether the turn is persisted, then
// ledgers the message either way so the batch path skips it. Todos are
// excluded here: they are created through the command surface, and storing
// them again would double-create.
func (p *Pipeline) storeImmediate(ctx context.Context, turn Turn, window []CacheEntry) {
	importance, err := p.classifier.DetectImportance(ctx, turn.Content, window)
	if err != nil {
		log.Printf("[pipeline] importance detection failed, treating as unimportant: %v", err)
		importance = ImportanceResult{}
	}

	category := ParseCategory(importance.Category)
	storedIn := CategoryNone

	if importance.Important && category != CategoryTodo && category != CategoryNone {
		if stored := p.extractAndStore(ctx, turn, window); stored {
			storedIn = category
		}
	}

	// Best effort: on ledger failure the message stays eligible for batch
	// reprocessing, which dedup makes safe to replay.
	if err := p.engine.UpsertLedger(turn.ID, ProcessingImmediate, string(storedIn)); err != nil {
		log.Printf("[pipeline] ledger write failed for %s: %v", turn.ID, err)
	}
}

func (p *Pipeline) extractAndStore(ctx context.Context, turn Turn, window []CacheEntry) bool {
	facts, err := p.classifier.ExtractFacts(ctx, turn.Content, window)
	if err != nil {
		log.Printf("[pipeline] fact extraction failed: %v", err)
		return false
	}

	stored := false
	for _, fact := range facts {
		text := strings.TrimSpace(fact.Text)
		if text == "" {
			continue
		}
		switch ParseCategory(fact.Category) {
		case CategoryFact:
			res := p.semantic.Store(ctx, text, string(CategoryFact), turn.ID, time.Now())
			if res.Outcome == OutcomeFailed {
				continue
			}
			log.Printf("[pipeline] fact %s: %s", res.Outcome, res.FactID)
			stored = true
		case CategoryEvent:
			date := strings.TrimSpace(fact.Date)
			if date == "" {
				date = turn.CreatedAt.Format("2006-01-02")
			}
			if err := p.engine.CreateEvent(date, text, "", ""); err != nil {
				log.Printf("[pipeline] event create failed: %v", err)
				continue
			}
			stored = true
		default:
			// Extraction output outside fact/event is dropped.
		}
	}
	return stored
}
