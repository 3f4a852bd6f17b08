package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/precious112/prism_ai/worker/internal/history"
)

// Task is one research request popped from the task queue
type Task struct {
	RequestID string            `json:"requestId"`
	Query     string            `json:"query"`
	Config    map[string]any    `json:"config"`
	History   []history.Message `json:"history,omitempty"`

	// HistoryDropped counts history entries that could not be used
	HistoryDropped int `json:"-"`
}

// DecodeError is returned for payloads that are not a JSON task object
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode task (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type wireTask struct {
	RequestID string          `json:"requestId"`
	Query     string          `json:"query"`
	Config    map[string]any  `json:"config"`
	History   json.RawMessage `json:"history"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DecodeTask parses a queue payload. Missing fields take zero values and a
// missing or null config becomes an empty map. history is optional and read
// best-effort: entries that are not {role, content} strings with a known role
// are skipped and counted in HistoryDropped, and a history that is not an
// array is dropped as a whole.
func DecodeTask(payload []byte) (Task, error) {
	var wire wireTask
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Task{}, &DecodeError{Payload: payload, Err: err}
	}

	task := Task{RequestID: wire.RequestID, Query: wire.Query, Config: wire.Config}
	if task.Config == nil {
		task.Config = map[string]any{}
	}
	task.History, task.HistoryDropped = decodeHistory(wire.History)
	return task, nil
}

func decodeHistory(raw json.RawMessage) ([]history.Message, int) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, 0
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, 1
	}

	var (
		messages []history.Message
		dropped  int
	)
	for _, entry := range entries {
		var m wireMessage
		if err := json.Unmarshal(entry, &m); err != nil {
			dropped++
			continue
		}
		role, ok := history.ParseRole(m.Role)
		if !ok {
			dropped++
			continue
		}
		messages = append(messages, history.Message{Role: role, Content: m.Content})
	}
	return messages, dropped
}

// Encode returns the JSON wire form of t
func (t Task) Encode() ([]byte, error) {
	if t.Config == nil {
		t.Config = map[string]any{}
	}
	return json.Marshal(t)
}
