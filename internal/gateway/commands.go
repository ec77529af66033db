package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quillmind/recall/internal/bus"
)

const helpText = `Commands:
/todo <task> - add a todo
/todo list - list open todos
/done <id> - complete a todo
/remind <YYYY-MM-DD HH:MM> <message> - schedule a reminder
/remind <YYYY-MM-DD HH:MM> daily|weekly <message> - recurring reminder
/memory - memory status
/help - this help`

// handleCommand dispatches the slash-command surface. Commands bypass the
// memory pipeline entirely: they are instructions to the assistant, not
// conversation worth remembering.
func (g *Gateway) handleCommand(msg bus.InboundMessage) string {
	fields := strings.Fields(strings.TrimSpace(msg.Content))
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "/todo":
		return g.cmdTodo(fields[1:])
	case "/done":
		return g.cmdDone(fields[1:])
	case "/remind":
		return g.cmdRemind(fields[1:], msg)
	case "/memory":
		return g.cmdMemory()
	case "/help", "/start":
		return helpText
	default:
		return "Unknown command. " + helpText
	}
}

func (g *Gateway) cmdTodo(args []string) string {
	if len(args) == 0 || (len(args) == 1 && args[0] == "list") {
		todos, err := g.engine.ListOpenTodos()
		if err != nil {
			return "Failed to list todos: " + err.Error()
		}
		if len(todos) == 0 {
			return "No open todos."
		}
		var sb strings.Builder
		sb.WriteString("Open todos:\n")
		for _, t := range todos {
			fmt.Fprintf(&sb, "%d. %s", t.ID, t.Task)
			if t.DueDate != "" {
				fmt.Fprintf(&sb, " (due %s)", t.DueDate)
			}
			sb.WriteString("\n")
		}
		return strings.TrimSpace(sb.String())
	}

	task := strings.Join(args, " ")
	id, err := g.engine.CreateTodo(task, "", "")
	if err != nil {
		return "Failed to add todo: " + err.Error()
	}
	return fmt.Sprintf("Added todo %d: %s", id, task)
}

func (g *Gateway) cmdDone(args []string) string {
	if len(args) != 1 {
		return "Usage: /done <id>"
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "Usage: /done <id>"
	}
	if err := g.engine.CompleteTodo(id); err != nil {
		return "Failed: " + err.Error()
	}
	return fmt.Sprintf("Completed todo %d.", id)
}

func (g *Gateway) cmdRemind(args []string, msg bus.InboundMessage) string {
	const usage = "Usage: /remind <YYYY-MM-DD HH:MM> [daily|weekly] <message>"
	if len(args) < 3 {
		return usage
	}

	triggerTime := args[0] + " " + args[1]
	if _, err := time.ParseInLocation("2006-01-02 15:04", triggerTime, time.Local); err != nil {
		return usage
	}

	rest := args[2:]
	recurring := ""
	switch strings.ToLower(rest[0]) {
	case "daily", "weekly":
		recurring = strings.ToLower(rest[0])
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return usage
	}

	message := strings.Join(rest, " ")
	id, err := g.engine.CreateReminder(message, triggerTime, recurring, msg.Channel, msg.ChatID)
	if err != nil {
		return "Failed to add reminder: " + err.Error()
	}
	if recurring != "" {
		return fmt.Sprintf("Reminder %d set for %s (%s): %s", id, triggerTime, recurring, message)
	}
	return fmt.Sprintf("Reminder %d set for %s: %s", id, triggerTime, message)
}

func (g *Gateway) cmdMemory() string {
	status, err := g.Status()
	if err != nil {
		return "Failed to read memory status: " + err.Error()
	}
	return strings.TrimSpace(status)
}
