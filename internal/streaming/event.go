package streaming

import "encoding/json"

// EventTypeAgentUpdate is the type of every progress event the worker emits
const EventTypeAgentUpdate = "agent_update"

// Agent statuses carried in UpdatePayload.Status
const (
	StatusThinking  = "thinking"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// UpdateEvent is a progress notification for one request
type UpdateEvent struct {
	Type    string        `json:"type"`
	Payload UpdatePayload `json:"payload"`
}

// UpdatePayload describes what an agent is doing
type UpdatePayload struct {
	Agent   string         `json:"agent"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// NewAgentUpdate builds an agent_update event. data may be nil.
func NewAgentUpdate(agent, status, message string, data map[string]any) UpdateEvent {
	if data == nil {
		data = map[string]any{}
	}
	return UpdateEvent{
		Type: EventTypeAgentUpdate,
		Payload: UpdatePayload{
			Agent:   agent,
			Status:  status,
			Message: message,
			Data:    data,
		},
	}
}

// RequestID returns payload.data.requestId when it is a string
func (e UpdateEvent) RequestID() string {
	id, _ := e.Payload.Data["requestId"].(string)
	return id
}

// Marshal returns the JSON wire form
func (e UpdateEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
