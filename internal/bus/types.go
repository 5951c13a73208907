// Package bus defines the message types exchanged between transports,
// the control plane, and the agent engine.
package bus

import "time"

// Source tags for inbound messages. The set is closed: transports map
// everything they receive onto one of these.
const (
	SourceSlack   = "slack"
	SourceDiscord = "discord"
	SourceSocket  = "socket"
	SourceWebhook = "webhook"
)

// InboundMessage is one event received from a transport. The ID is the
// dedupe key across every dispatch entry point.
type InboundMessage struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"` // slack|discord|socket|webhook
	ChannelID   string            `json:"channel_id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	SenderID    string            `json:"sender_id"`
	Text        string            `json:"text"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// Attachment is a file or media reference carried with an inbound message.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// ReplyFunc delivers a reply back to the transport that produced the
// message. Failures are logged by callers but never block turn finalization.
type ReplyFunc func(text string) error

// EngineInput is the request handed to the agent engine for one turn.
type EngineInput struct {
	SessionKey        string            `json:"session_key"`
	Route             string            `json:"route"`
	Text              string            `json:"text"`
	SenderID          string            `json:"sender_id"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ContextLines      []string          `json:"context_lines,omitempty"`
	RawEvent          *InboundMessage   `json:"raw_event,omitempty"`
	RecentAttachments []Attachment      `json:"recent_attachments,omitempty"`
}

// TranscriptMessage is one persisted transcript entry as seen by
// turn_end subscribers.
type TranscriptMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEndEvent fires once per completed turn. Message is nil when the
// reply was suppressed or the turn produced no assistant output.
type TurnEndEvent struct {
	Message   *TranscriptMessage `json:"message"`
	TurnIndex int                `json:"turnIndex"`
}

// Event is a server-side event broadcast to operator WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventPublisher abstracts event broadcast for the operator feed.
// The control plane and orchestrator publish; the gateway fans out.
type EventPublisher interface {
	Broadcast(event Event)
}
