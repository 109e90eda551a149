package domain

import "time"

// MessageType classifies messages exchanged between agents.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageDelegate     MessageType = "delegate"
	MessageBroadcast    MessageType = "broadcast"
	MessageError        MessageType = "error"
	MessageNotification MessageType = "notification"
)

// Priority orders delivery within one agent's queue. Urgent messages are
// always dequeued before high, high before normal, normal before low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// BroadcastTarget is the literal target that fans a message out to every
// registered agent except the sender.
const BroadcastTarget = "all"

// Message is the envelope passed between agents over the bus. Messages are
// never mutated after creation except for retry-count increments on
// redelivery.
type Message struct {
	ID            string         `json:"id"` // ULID
	Type          MessageType    `json:"type"`
	Source        string         `json:"source"`
	Target        string         `json:"target"` // agent name or BroadcastTarget
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      Priority       `json:"priority"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Reply builds a response message correlated to m.
func (m Message) Reply(payload map[string]any) Message {
	return Message{
		Type:          MessageResponse,
		Source:        m.Target,
		Target:        m.Source,
		Payload:       payload,
		CorrelationID: m.ID,
		Priority:      m.Priority,
	}
}

// ErrorReply builds an error message correlated to m.
func (m Message) ErrorReply(err error) Message {
	return Message{
		Type:          MessageError,
		Source:        m.Target,
		Target:        m.Source,
		Payload:       map[string]any{"error": err.Error()},
		CorrelationID: m.ID,
		Priority:      m.Priority,
	}
}
