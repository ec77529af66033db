package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quillmind/recall/internal/bus"
	"github.com/quillmind/recall/internal/config"
	"github.com/quillmind/recall/internal/memory"
)

type fakeResponder struct {
	reply string
	err   error
	calls int
}

func (f *fakeResponder) Complete(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fakeClassifier struct {
	importance memory.ImportanceResult
	facts      []memory.ExtractedFact
	batch      string
}

func (f *fakeClassifier) DetectImportance(context.Context, string, []memory.CacheEntry) (memory.ImportanceResult, error) {
	return f.importance, nil
}

func (f *fakeClassifier) ExtractFacts(context.Context, string, []memory.CacheEntry) ([]memory.ExtractedFact, error) {
	return f.facts, nil
}

func (f *fakeClassifier) ExtractBatch(context.Context, string) (string, error) {
	return f.batch, nil
}

func (f *fakeClassifier) ReformulateQuery(_ context.Context, q string, _ []memory.CacheEntry) (string, error) {
	return q, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	// Deterministic unit vector per text length bucket; exact values are
	// irrelevant for gateway tests.
	switch len(text) % 3 {
	case 0:
		return []float32{1, 0, 0}, nil
	case 1:
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func newTestGateway(t *testing.T, responder *fakeResponder) *Gateway {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Memory.DBPath = filepath.Join(dir, "recall.db")
	cfg.Memory.VectorPath = "" // in-memory vector store

	g, err := NewWithOptions(cfg, Options{
		Responder:  responder,
		Classifier: &fakeClassifier{},
		Embedder:   fakeEmbedder{},
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { _ = g.engine.Close() })
	return g
}

func inboundMsg(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  "100",
		ChatID:    "200",
		MessageID: "telegram:200:1",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func readOutbound(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-g.bus.Outbound:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no outbound message")
		return bus.OutboundMessage{}
	}
}

func TestHandleInboundRepliesAndCaches(t *testing.T) {
	responder := &fakeResponder{reply: "hello back"}
	g := newTestGateway(t, responder)

	g.handleInbound(context.Background(), inboundMsg("hello"))

	out := readOutbound(t, g)
	if out.Channel != "telegram" || out.ChatID != "200" || out.Content != "hello back" {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	if responder.calls != 1 {
		t.Fatalf("expected 1 responder call, got %d", responder.calls)
	}
	// User turn plus assistant turn.
	if g.cache.Len() != 2 {
		t.Fatalf("expected 2 cached turns, got %d", g.cache.Len())
	}
}

func TestHandleInboundResponderFailure(t *testing.T) {
	responder := &fakeResponder{err: fmt.Errorf("provider down")}
	g := newTestGateway(t, responder)

	g.handleInbound(context.Background(), inboundMsg("hello"))

	out := readOutbound(t, g)
	if !strings.Contains(out.Content, "error") {
		t.Fatalf("expected apology fallback, got %q", out.Content)
	}
}

func TestCommandTodoLifecycle(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	reply := g.handleCommand(inboundMsg("/todo buy milk"))
	if !strings.Contains(reply, "buy milk") {
		t.Fatalf("unexpected add reply: %q", reply)
	}

	reply = g.handleCommand(inboundMsg("/todo list"))
	if !strings.Contains(reply, "buy milk") {
		t.Fatalf("unexpected list reply: %q", reply)
	}

	reply = g.handleCommand(inboundMsg("/done 1"))
	if !strings.Contains(reply, "Completed") {
		t.Fatalf("unexpected done reply: %q", reply)
	}

	reply = g.handleCommand(inboundMsg("/todo list"))
	if !strings.Contains(reply, "No open todos") {
		t.Fatalf("unexpected empty list reply: %q", reply)
	}
}

func TestCommandDoneValidation(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	if reply := g.handleCommand(inboundMsg("/done")); !strings.Contains(reply, "Usage") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if reply := g.handleCommand(inboundMsg("/done abc")); !strings.Contains(reply, "Usage") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if reply := g.handleCommand(inboundMsg("/done 99")); !strings.Contains(reply, "Failed") {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestCommandRemind(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	future := time.Now().Add(time.Hour).Format("2006-01-02 15:04")
	reply := g.handleCommand(inboundMsg("/remind " + future + " call mom"))
	if !strings.Contains(reply, "call mom") {
		t.Fatalf("unexpected reply: %q", reply)
	}

	reply = g.handleCommand(inboundMsg("/remind " + future + " daily water plants"))
	if !strings.Contains(reply, "daily") {
		t.Fatalf("unexpected recurring reply: %q", reply)
	}

	if reply := g.handleCommand(inboundMsg("/remind soon do stuff")); !strings.Contains(reply, "Usage") {
		t.Fatalf("unexpected invalid-time reply: %q", reply)
	}
}

func TestCommandMemoryAndHelp(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	if reply := g.handleCommand(inboundMsg("/memory")); !strings.Contains(reply, "semantic memories") {
		t.Fatalf("unexpected memory reply: %q", reply)
	}
	if reply := g.handleCommand(inboundMsg("/help")); !strings.Contains(reply, "/todo") {
		t.Fatalf("unexpected help reply: %q", reply)
	}
	if reply := g.handleCommand(inboundMsg("/frobnicate")); !strings.Contains(reply, "Unknown command") {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestDeliverDueReminders(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	past := time.Now().Add(-time.Hour).Format("2006-01-02 15:04")
	id, err := g.engine.CreateReminder("call mom", past, "", "telegram", "200")
	if err != nil {
		t.Fatalf("CreateReminder error: %v", err)
	}

	g.deliverDueReminders()

	out := readOutbound(t, g)
	if out.ChatID != "200" || !strings.Contains(out.Content, "call mom") {
		t.Fatalf("unexpected reminder delivery: %+v", out)
	}

	// One-shot reminder is completed.
	due, err := g.engine.DueReminders(time.Now())
	if err != nil {
		t.Fatalf("DueReminders error: %v", err)
	}
	for _, r := range due {
		if r.ID == id {
			t.Fatal("delivered one-shot reminder still due")
		}
	}
}

func TestDeliverDueRemindersReschedulesRecurring(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	past := time.Now().Add(-time.Hour).Format("2006-01-02 15:04")
	if _, err := g.engine.CreateReminder("standup", past, "daily", "telegram", "200"); err != nil {
		t.Fatalf("CreateReminder error: %v", err)
	}

	g.deliverDueReminders()
	readOutbound(t, g)

	// Recurring reminder moved to the future, not completed.
	due, err := g.engine.DueReminders(time.Now())
	if err != nil {
		t.Fatalf("DueReminders error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("recurring reminder should be rescheduled forward, still due: %+v", due)
	}
	due, err = g.engine.DueReminders(time.Now().Add(25 * time.Hour))
	if err != nil {
		t.Fatalf("DueReminders future error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected rescheduled reminder due tomorrow, got %d", len(due))
	}
}

func TestNextTriggerTime(t *testing.T) {
	past := time.Now().Add(-50 * time.Hour).Format("2006-01-02 15:04")

	r := memory.Reminder{ID: 1, TriggerTime: past, Recurring: "daily"}
	next, ok := nextTriggerTime(r)
	if !ok {
		t.Fatal("expected next trigger for daily reminder")
	}
	parsed, err := time.ParseInLocation("2006-01-02 15:04", next, time.Local)
	if err != nil {
		t.Fatalf("parse next trigger: %v", err)
	}
	if !parsed.After(time.Now()) {
		t.Fatalf("next trigger must be in the future, got %s", next)
	}

	r.Recurring = ""
	if _, ok := nextTriggerTime(r); ok {
		t.Fatal("one-shot reminder must not reschedule")
	}

	r.Recurring = "daily"
	r.TriggerTime = "garbage"
	if _, ok := nextTriggerTime(r); ok {
		t.Fatal("invalid trigger time must not reschedule")
	}
}

func TestGatewayStatus(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	status, err := g.Status()
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	for _, want := range []string{"semantic memories", "events", "open todos", "ledger", "cache"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q: %s", want, status)
		}
	}
}

func TestConsolidateViaGateway(t *testing.T) {
	g := newTestGateway(t, &fakeResponder{})

	// Empty cache: a pass is a clean no-op.
	if err := g.Consolidate(context.Background()); err != nil {
		t.Fatalf("Consolidate error: %v", err)
	}
}
