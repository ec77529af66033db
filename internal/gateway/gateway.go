// Package gateway wires the memory engine, the chat channels, and the
// scheduled jobs into one long-running process.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/quillmind/recall/internal/bus"
	"github.com/quillmind/recall/internal/channel"
	"github.com/quillmind/recall/internal/config"
	"github.com/quillmind/recall/internal/cron"
	"github.com/quillmind/recall/internal/llm"
	"github.com/quillmind/recall/internal/memory"
)

const replyPrompt = `You are a personal assistant with long-term memory of the user.
Use the memory context when it is relevant; never mention the memory system itself.
Be concise and direct.

%s

User message:
%s`

const reminderPollInterval = time.Minute

// Responder produces the chat reply for one prompt. Satisfied by
// *llm.Client; replaced by a fake in tests.
type Responder interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options for creating a Gateway
type Options struct {
	Responder  Responder
	Classifier memory.Classifier
	Embedder   memory.Embedder
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg          *config.Config
	bus          *bus.MessageBus
	channels     *channel.ChannelManager
	cron         *cron.Service
	engine       *memory.Engine
	semantic     *memory.SemanticStore
	cache        *memory.ConversationCache
	pipeline     *memory.Pipeline
	consolidator *memory.Consolidator
	responder    Responder
	signalChan   chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	engine, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		return nil, fmt.Errorf("create memory engine: %w", err)
	}
	g.engine = engine

	embedder := opts.Embedder
	if embedder == nil {
		embedder = memory.NewEmbedder(memory.EmbedderOptions{
			Provider:    cfg.Embedding.Provider,
			BaseURL:     cfg.Embedding.BaseURL,
			APIKey:      cfg.Embedding.APIKey,
			Model:       cfg.Embedding.Model,
			ExpectedDim: cfg.Embedding.Dimension,
			TimeoutMs:   cfg.Embedding.TimeoutMs,
		})
	}

	semantic, err := memory.NewSemanticStore(cfg.Memory.VectorPath, embedder, cfg.Memory.DedupThreshold)
	if err != nil {
		_ = g.engine.Close()
		return nil, fmt.Errorf("create semantic store: %w", err)
	}
	g.semantic = semantic

	client := llm.New(llm.Options{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		TimeoutMs: cfg.Provider.TimeoutMs,
	})

	classifier := opts.Classifier
	if classifier == nil {
		classifier = memory.NewClassifier(client)
	}
	if opts.Responder != nil {
		g.responder = opts.Responder
	} else {
		g.responder = client
	}

	g.cache = memory.NewConversationCache(cfg.Memory.CacheMaxSize, cfg.Memory.CacheTrimTo)
	g.pipeline = memory.NewPipeline(g.cache, g.engine, g.semantic, classifier, memory.PipelineOptions{
		ContextWindow:    cfg.Memory.ContextWindow,
		SearchLimit:      cfg.Memory.SearchLimit,
		RecentEventDays:  cfg.Memory.RecentEventDays,
		ReformulateTurns: cfg.Memory.ReformulateTurns,
	})
	g.consolidator = memory.NewConsolidator(g.cache, g.engine, g.semantic, classifier, cfg.Memory.MinChunkLength)

	g.cron = cron.NewService()
	if err := g.cron.AddDaily("consolidate", cfg.Memory.ConsolidateAt, func() {
		if err := g.consolidator.Run(context.Background()); err != nil {
			log.Printf("[gateway] consolidation error: %v", err)
		}
	}); err != nil {
		_ = g.engine.Close()
		return nil, fmt.Errorf("schedule consolidation: %w", err)
	}
	if err := g.cron.AddEvery("reminders", reminderPollInterval, g.deliverDueReminders); err != nil {
		_ = g.engine.Close()
		return nil, fmt.Errorf("schedule reminder delivery: %w", err)
	}

	g.signalChan = opts.SignalChan

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = g.engine.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	g.cron.Start(ctx)

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if strings.HasPrefix(strings.TrimSpace(msg.Content), "/") {
		reply := g.handleCommand(msg)
		if reply != "" {
			g.bus.Outbound <- bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: reply,
			}
		}
		return
	}

	turn := memory.Turn{
		ID:        msg.MessageID,
		Author:    msg.SenderID,
		Content:   msg.Content,
		Role:      memory.RoleUser,
		CreatedAt: msg.Timestamp,
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	assembled := g.pipeline.OnTurn(ctx, turn)

	memoryBlock := assembled.Format()
	if memoryBlock != "" {
		memoryBlock = "Memory context:\n" + memoryBlock
	} else {
		memoryBlock = "Memory context: (empty)"
	}

	result, err := g.responder.Complete(ctx, fmt.Sprintf(replyPrompt, memoryBlock, msg.Content))
	if err != nil {
		log.Printf("[gateway] responder error: %v", err)
		result = "Sorry, I encountered an error processing your message."
	}

	if result != "" {
		g.pipeline.ObserveAssistant(memory.Turn{
			ID:        uuid.NewString(),
			Author:    "assistant",
			Content:   result,
			Role:      memory.RoleAssistant,
			CreatedAt: time.Now(),
		})
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: result,
		}
	}
}

// deliverDueReminders pushes due reminders out on their original channel,
// then completes one-shot reminders and advances recurring ones.
func (g *Gateway) deliverDueReminders() {
	due, err := g.engine.DueReminders(time.Now())
	if err != nil {
		log.Printf("[gateway] due reminders lookup failed: %v", err)
		return
	}

	for _, r := range due {
		if r.Channel == "" || r.ChatID == "" {
			log.Printf("[gateway] reminder %d has no delivery target, completing silently", r.ID)
			if err := g.engine.CompleteReminder(r.ID); err != nil {
				log.Printf("[gateway] complete reminder %d failed: %v", r.ID, err)
			}
			continue
		}

		g.bus.Outbound <- bus.OutboundMessage{
			Channel: r.Channel,
			ChatID:  r.ChatID,
			Content: "Reminder: " + r.Message,
		}

		next, ok := nextTriggerTime(r)
		if ok {
			if err := g.engine.RescheduleReminder(r.ID, next); err != nil {
				log.Printf("[gateway] reschedule reminder %d failed: %v", r.ID, err)
			}
			continue
		}
		if err := g.engine.CompleteReminder(r.ID); err != nil {
			log.Printf("[gateway] complete reminder %d failed: %v", r.ID, err)
		}
	}
}

// nextTriggerTime computes the next occurrence of a recurring reminder,
// advancing from the stored trigger time until it lands in the future.
func nextTriggerTime(r memory.Reminder) (string, bool) {
	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(r.Recurring)) {
	case "daily":
		step = 24 * time.Hour
	case "weekly":
		step = 7 * 24 * time.Hour
	default:
		return "", false
	}

	trigger, err := time.ParseInLocation("2006-01-02 15:04", r.TriggerTime, time.Local)
	if err != nil {
		log.Printf("[gateway] reminder %d has invalid trigger time %q", r.ID, r.TriggerTime)
		return "", false
	}
	next := trigger.Add(step)
	now := time.Now()
	for !next.After(now) {
		next = next.Add(step)
	}
	return next.Format("2006-01-02 15:04"), true
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	if g.engine != nil {
		if err := g.engine.Close(); err != nil {
			log.Printf("[gateway] close memory engine warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// Consolidate runs one consolidation pass outside the schedule.
func (g *Gateway) Consolidate(ctx context.Context) error {
	return g.consolidator.Run(ctx)
}

// Status summarizes the memory stores for the status command.
func (g *Gateway) Status() (string, error) {
	stats, err := g.engine.Stats()
	if err != nil {
		return "", fmt.Errorf("engine stats: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "semantic memories: %d\n", g.semantic.Count())
	fmt.Fprintf(&sb, "events: %d\n", stats.EventCount)
	fmt.Fprintf(&sb, "open todos: %d\n", stats.OpenTodoCount)
	fmt.Fprintf(&sb, "pending reminders: %d\n", stats.ReminderCount)
	fmt.Fprintf(&sb, "ledger: %d (%d immediate, %d batch)\n", stats.LedgerCount, stats.LedgerImmediate, stats.LedgerBatch)
	fmt.Fprintf(&sb, "cache: %d turns\n", g.cache.Len())
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
