package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Engine is the relational store: time-axis records (events, todos,
// reminders) plus the processed-message ledger.
type Engine struct {
	db *sql.DB
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_date TEXT NOT NULL,
			description TEXT NOT NULL,
			participants TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_date ON events(event_date)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task TEXT NOT NULL,
			due_date TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			completed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_open ON todos(completed, due_date)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message TEXT NOT NULL,
			trigger_time TEXT NOT NULL,
			recurring TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			completed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(completed, trigger_time)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id TEXT PRIMARY KEY,
			processing_type TEXT NOT NULL,
			stored_in TEXT NOT NULL,
			processed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateEvent appends an event. Events are never deduplicated: two events
// with identical descriptions on different dates are distinct records.
func (e *Engine) CreateEvent(date, description, participants, context string) error {
	date = strings.TrimSpace(date)
	description = strings.TrimSpace(description)
	if date == "" || description == "" {
		return fmt.Errorf("create event: date and description are required")
	}
	_, err := e.db.Exec(`
		INSERT INTO events (event_date, description, participants, context)
		VALUES (?, ?, ?, ?)
	`, date, description, strings.TrimSpace(participants), strings.TrimSpace(context))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// ListRecentEvents returns events within the last `days` days, newest first.
func (e *Engine) ListRecentEvents(days int) ([]Event, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := e.db.Query(`
		SELECT id, event_date, description, participants, context, created_at
		FROM events
		WHERE event_date >= date('now', ?)
		ORDER BY event_date DESC, id DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	result := make([]Event, 0)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Date, &ev.Description, &ev.Participants, &ev.Context, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

// HasLedgerRecord reports whether a message was already incorporated into
// memory. Presence of the record is the sole source of truth.
func (e *Engine) HasLedgerRecord(messageID string) (bool, error) {
	row := e.db.QueryRow(`SELECT COUNT(1) FROM processed_messages WHERE message_id = ?`, messageID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return count > 0, nil
}

// UpsertLedger writes the ledger record for a message. A later write updates
// processing_type/stored_in rather than failing, so first-write-wins applies
// to presence, not content.
func (e *Engine) UpsertLedger(messageID string, processingType ProcessingType, storedIn string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("ledger upsert: empty message id")
	}
	_, err := e.db.Exec(`
		INSERT INTO processed_messages (message_id, processing_type, stored_in)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			processing_type = excluded.processing_type,
			stored_in = excluded.stored_in,
			processed_at = datetime('now')
	`, messageID, string(processingType), storedIn)
	if err != nil {
		return fmt.Errorf("ledger upsert: %w", err)
	}
	return nil
}

// GetLedgerRecord loads one ledger record, or nil if absent.
func (e *Engine) GetLedgerRecord(messageID string) (*LedgerRecord, error) {
	row := e.db.QueryRow(`
		SELECT message_id, processing_type, stored_in, processed_at
		FROM processed_messages WHERE message_id = ?
	`, messageID)
	var rec LedgerRecord
	var pt string
	if err := row.Scan(&rec.MessageID, &pt, &rec.StoredIn, &rec.ProcessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	rec.ProcessingType = ProcessingType(pt)
	return &rec, nil
}

func (e *Engine) CreateTodo(task, dueDate, priority string) (int64, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return 0, fmt.Errorf("create todo: empty task")
	}
	if strings.TrimSpace(priority) == "" {
		priority = "normal"
	}
	res, err := e.db.Exec(`
		INSERT INTO todos (task, due_date, priority) VALUES (?, ?, ?)
	`, task, strings.TrimSpace(dueDate), strings.TrimSpace(priority))
	if err != nil {
		return 0, fmt.Errorf("create todo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create todo id: %w", err)
	}
	return id, nil
}

func (e *Engine) ListOpenTodos() ([]Todo, error) {
	rows, err := e.db.Query(`
		SELECT id, task, due_date, priority, completed, created_at
		FROM todos
		WHERE completed = 0
		ORDER BY CASE WHEN due_date = '' THEN 1 ELSE 0 END, due_date ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	result := make([]Todo, 0)
	for rows.Next() {
		var t Todo
		var completed int
		if err := rows.Scan(&t.ID, &t.Task, &t.DueDate, &t.Priority, &completed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		t.Completed = completed == 1
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	return result, nil
}

func (e *Engine) CompleteTodo(id int64) error {
	res, err := e.db.Exec(`UPDATE todos SET completed = 1 WHERE id = ? AND completed = 0`, id)
	if err != nil {
		return fmt.Errorf("complete todo: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete todo rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete todo: open todo %d not found", id)
	}
	return nil
}

const reminderTimeLayout = "2006-01-02 15:04"

func (e *Engine) CreateReminder(message, triggerTime, recurring, channel, chatID string) (int64, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, fmt.Errorf("create reminder: empty message")
	}
	if _, err := time.ParseInLocation(reminderTimeLayout, strings.TrimSpace(triggerTime), time.Local); err != nil {
		return 0, fmt.Errorf("create reminder: invalid trigger time %q: %w", triggerTime, err)
	}
	res, err := e.db.Exec(`
		INSERT INTO reminders (message, trigger_time, recurring, channel, chat_id)
		VALUES (?, ?, ?, ?, ?)
	`, message, strings.TrimSpace(triggerTime), strings.TrimSpace(recurring), strings.TrimSpace(channel), strings.TrimSpace(chatID))
	if err != nil {
		return 0, fmt.Errorf("create reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create reminder id: %w", err)
	}
	return id, nil
}

// DueReminders returns uncompleted reminders whose trigger time is at or
// before now.
func (e *Engine) DueReminders(now time.Time) ([]Reminder, error) {
	rows, err := e.db.Query(`
		SELECT id, message, trigger_time, recurring, channel, chat_id, completed, created_at
		FROM reminders
		WHERE completed = 0 AND trigger_time <= ?
		ORDER BY trigger_time ASC
	`, now.Format(reminderTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()

	result := make([]Reminder, 0)
	for rows.Next() {
		var r Reminder
		var completed int
		if err := rows.Scan(&r.ID, &r.Message, &r.TriggerTime, &r.Recurring, &r.Channel, &r.ChatID, &completed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.Completed = completed == 1
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return result, nil
}

func (e *Engine) CompleteReminder(id int64) error {
	if _, err := e.db.Exec(`UPDATE reminders SET completed = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete reminder: %w", err)
	}
	return nil
}

// RescheduleReminder moves a recurring reminder to its next trigger time.
func (e *Engine) RescheduleReminder(id int64, next string) error {
	if _, err := time.ParseInLocation(reminderTimeLayout, strings.TrimSpace(next), time.Local); err != nil {
		return fmt.Errorf("reschedule reminder: invalid trigger time %q: %w", next, err)
	}
	if _, err := e.db.Exec(`UPDATE reminders SET trigger_time = ? WHERE id = ?`, strings.TrimSpace(next), id); err != nil {
		return fmt.Errorf("reschedule reminder: %w", err)
	}
	return nil
}

func (e *Engine) Stats() (EngineStats, error) {
	var stats EngineStats
	queries := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(1) FROM events`, &stats.EventCount},
		{`SELECT COUNT(1) FROM todos WHERE completed = 0`, &stats.OpenTodoCount},
		{`SELECT COUNT(1) FROM reminders WHERE completed = 0`, &stats.ReminderCount},
		{`SELECT COUNT(1) FROM processed_messages`, &stats.LedgerCount},
		{`SELECT COUNT(1) FROM processed_messages WHERE processing_type = 'immediate'`, &stats.LedgerImmediate},
		{`SELECT COUNT(1) FROM processed_messages WHERE processing_type = 'batch'`, &stats.LedgerBatch},
	}
	for _, q := range queries {
		if err := e.db.QueryRow(q.query).Scan(q.dst); err != nil {
			return EngineStats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return stats, nil
}
