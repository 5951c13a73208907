// Package protocol defines the newline-delimited JSON wire protocol spoken
// on per-session control sockets. Two request shapes share the socket: the
// modern shape tagged by `type` and the legacy shape tagged by `action`.
// Both are arms of one request union; responses and events are uniform.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Modern command types.
const (
	TypeSend       = "send"
	TypeSubscribe  = "subscribe"
	TypeGetMessage = "get_message"
	TypeGetSummary = "get_summary"
	TypeClear      = "clear"
	TypeAbort      = "abort"
)

// Legacy action tags, kept bit-exact because on-disk tools consume them.
const (
	ActionHealth       = "health"
	ActionList         = "list"
	ActionStop         = "stop"
	ActionSend         = "send"
	ActionGetMessage   = "get_message"
	ActionGetSummary   = "get_summary"
	ActionClear        = "clear"
	ActionAbort        = "abort"
	ActionAliasSet     = "alias_set"
	ActionAliasRemove  = "alias_remove"
	ActionAliasList    = "alias_list"
	ActionAliasResolve = "alias_resolve"
)

// Send modes.
const (
	ModeSteer    = "steer"
	ModeFollowUp = "follow_up"
	ModeDirect   = "direct"
)

// EventTurnEnd is the only subscribable event.
const EventTurnEnd = "turn_end"

// MaxLineBytes bounds one NDJSON line in either direction.
const MaxLineBytes = 1 << 20

// Request is the parsed union of both wire shapes.
type Request interface{ isRequest() }

// SendRequest enqueues a message into a session.
type SendRequest struct {
	ID         string
	SessionKey string
	Message    string
	Mode       string // steer|follow_up
}

// SubscribeRequest registers for a single next event of the named kind.
type SubscribeRequest struct {
	ID         string
	SessionKey string
	Event      string
}

// GetMessageRequest fetches the last assistant message.
type GetMessageRequest struct {
	ID         string
	SessionKey string
}

// GetSummaryRequest asks the engine for a session summary.
type GetSummaryRequest struct {
	ID         string
	SessionKey string
}

// ClearRequest resets a session transcript. Summarize is reserved and
// must be false.
type ClearRequest struct {
	ID         string
	SessionKey string
	Summarize  bool
}

// AbortRequest cancels the in-flight turn.
type AbortRequest struct {
	ID         string
	SessionKey string
}

// LegacyRequest is the action-tagged shape. Args carries the original
// document for per-action decoding.
type LegacyRequest struct {
	Action string
	Args   json.RawMessage
}

// UnknownRequest is any recognized-shape document with an unknown tag.
type UnknownRequest struct {
	Tag string
}

func (SendRequest) isRequest()       {}
func (SubscribeRequest) isRequest()  {}
func (GetMessageRequest) isRequest() {}
func (GetSummaryRequest) isRequest() {}
func (ClearRequest) isRequest()      {}
func (AbortRequest) isRequest()      {}
func (LegacyRequest) isRequest()     {}
func (UnknownRequest) isRequest()    {}

// rawCommand is the superset of fields across both shapes.
type rawCommand struct {
	Type       string `json:"type,omitempty"`
	Action     string `json:"action,omitempty"`
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Event      string `json:"event,omitempty"`
	Summarize  bool   `json:"summarize,omitempty"`
}

// ParseRequest decodes one wire line. The tag (`type` or `action`) is read
// first, then the matching variant is decoded; unknown tags produce an
// UnknownRequest, not an error. A document with neither tag is an error.
func ParseRequest(line []byte) (Request, error) {
	var raw rawCommand
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	if raw.Action != "" {
		return LegacyRequest{Action: raw.Action, Args: append(json.RawMessage(nil), line...)}, nil
	}

	switch raw.Type {
	case TypeSend:
		mode := raw.Mode
		if mode == "" {
			mode = ModeFollowUp
		}
		return SendRequest{ID: raw.ID, SessionKey: raw.SessionKey, Message: raw.Message, Mode: mode}, nil
	case TypeSubscribe:
		event := raw.Event
		if event == "" {
			event = EventTurnEnd
		}
		return SubscribeRequest{ID: raw.ID, SessionKey: raw.SessionKey, Event: event}, nil
	case TypeGetMessage:
		return GetMessageRequest{ID: raw.ID, SessionKey: raw.SessionKey}, nil
	case TypeGetSummary:
		return GetSummaryRequest{ID: raw.ID, SessionKey: raw.SessionKey}, nil
	case TypeClear:
		return ClearRequest{ID: raw.ID, SessionKey: raw.SessionKey, Summarize: raw.Summarize}, nil
	case TypeAbort:
		return AbortRequest{ID: raw.ID, SessionKey: raw.SessionKey}, nil
	case "":
		return nil, fmt.Errorf("parse command: missing type/action tag")
	default:
		return UnknownRequest{Tag: raw.Type}, nil
	}
}

// Response is the uniform reply for one command.
type Response struct {
	Type    string      `json:"type"` // always "response"
	Command string      `json:"command"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	ID      string      `json:"id,omitempty"`
}

// OK builds a success response.
func OK(command, id string, data interface{}) Response {
	return Response{Type: "response", Command: command, Success: true, Data: data, ID: id}
}

// Fail builds an error response.
func Fail(command, id, errMsg string) Response {
	return Response{Type: "response", Command: command, Success: false, Error: errMsg, ID: id}
}

// ParseError is the response for an unparseable line.
func ParseError(detail string) Response {
	return Response{Type: "response", Command: "parse", Success: false,
		Error: "Failed to parse command: " + detail}
}

// EventMessage is a pushed event on a subscribed connection.
type EventMessage struct {
	Type           string      `json:"type"` // always "event"
	Event          string      `json:"event"`
	Data           interface{} `json:"data"`
	SubscriptionID string      `json:"subscriptionId"`
}
