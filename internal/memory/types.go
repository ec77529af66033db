package memory

import (
	"strings"
	"time"
)

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one conversational unit as delivered by the transport layer.
// Immutable once appended to the cache.
type Turn struct {
	ID        string
	Author    string
	Content   string
	Role      Role
	CreatedAt time.Time
}

// CacheEntry wraps a Turn inside the conversation cache.
type CacheEntry struct {
	MessageID string
	Turn      Turn
	Timestamp time.Time
}

// Category is the closed set of classifier output categories. Anything the
// classifier returns outside this set parses to CategoryNone.
type Category string

const (
	CategoryFact     Category = "fact"
	CategoryEvent    Category = "event"
	CategoryTodo     Category = "todo"
	CategoryReminder Category = "reminder"
	CategoryNone     Category = "none"
)

// ParseCategory normalizes a free-form classifier category string.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryFact:
		return CategoryFact
	case CategoryEvent:
		return CategoryEvent
	case CategoryTodo:
		return CategoryTodo
	case CategoryReminder:
		return CategoryReminder
	default:
		return CategoryNone
	}
}

// ProcessingType records which path incorporated a message into memory.
type ProcessingType string

const (
	ProcessingImmediate ProcessingType = "immediate"
	ProcessingBatch     ProcessingType = "batch"
)

// StoredInConsolidated is the ledger marker for batch-consolidated messages.
const StoredInConsolidated = "consolidated"

// LedgerRecord is the durable idempotency record, one per message id.
type LedgerRecord struct {
	MessageID      string
	ProcessingType ProcessingType
	StoredIn       string
	ProcessedAt    string
}

// Event is a dated, time-relevant occurrence. Append-only.
type Event struct {
	ID           int64
	Date         string
	Description  string
	Participants string
	Context      string
	CreatedAt    string
}

// Todo is an actionable item owned by the command surface.
type Todo struct {
	ID        int64
	Task      string
	DueDate   string
	Priority  string
	Completed bool
	CreatedAt string
}

// Reminder is a scheduled message owned by the command surface.
type Reminder struct {
	ID          int64
	Message     string
	TriggerTime string
	Recurring   string
	Channel     string
	ChatID      string
	Completed   bool
	CreatedAt   string
}

// ImportanceResult is the classifier's importance judgment for one turn.
type ImportanceResult struct {
	Important bool   `json:"important"`
	Category  string `json:"category"`
}

// ExtractedFact is one structured fact produced by per-turn extraction.
// Date is only populated for event-category facts.
type ExtractedFact struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Date       string  `json:"date,omitempty"`
}

// StoreOutcome reports what the semantic store did with a fact.
type StoreOutcome string

const (
	OutcomeNew      StoreOutcome = "new"
	OutcomeEnriched StoreOutcome = "enriched"
	OutcomeFailed   StoreOutcome = "failed"
)

// StoreResult is the outcome of a semantic store write.
type StoreResult struct {
	Outcome StoreOutcome
	FactID  string
}

// SearchHit is one semantic search result used for context assembly.
type SearchHit struct {
	FactID   string
	Text     string
	Category string
	Distance float64
}

// AssembledContext is the read-path product handed to the transport layer
// for building a reply.
type AssembledContext struct {
	Query  string
	Facts  []SearchHit
	Events []Event
}

// Format renders the assembled context as a prompt block. Empty when there
// is nothing to show.
func (a *AssembledContext) Format() string {
	if a == nil || (len(a.Facts) == 0 && len(a.Events) == 0) {
		return ""
	}
	var sb strings.Builder
	if len(a.Facts) > 0 {
		sb.WriteString("Known facts:\n")
		for _, f := range a.Facts {
			sb.WriteString("- ")
			sb.WriteString(f.Text)
			sb.WriteString("\n")
		}
	}
	if len(a.Events) > 0 {
		sb.WriteString("Recent events:\n")
		for _, ev := range a.Events {
			sb.WriteString("- [")
			sb.WriteString(ev.Date)
			sb.WriteString("] ")
			sb.WriteString(ev.Description)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// EngineStats is a compact snapshot used by status reporting.
type EngineStats struct {
	EventCount      int
	OpenTodoCount   int
	ReminderCount   int
	LedgerCount     int
	LedgerImmediate int
	LedgerBatch     int
}
