// Package channels provides the transport abstraction layer. Transports
// connect external platforms (Slack, Discord) to the control plane: they
// produce InboundMessage values and deliver replies back to the platform.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/talon/internal/bus"
)

// DispatchFunc hands one inbound message to the control plane together
// with the transport's reply callback.
type DispatchFunc func(m bus.InboundMessage, reply bus.ReplyFunc)

// Channel is the interface every transport implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "slack", "discord").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning reports whether the channel is actively processing.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for channel implementations.
type BaseChannel struct {
	name      string
	dispatch  DispatchFunc
	running   bool
	allowList []string
}

// NewBaseChannel creates a BaseChannel.
func NewBaseChannel(name string, dispatch DispatchFunc, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, dispatch: dispatch, allowList: allowList}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// IsAllowed checks the allowlist. Supports compound senderID format
// "123456|username"; an empty allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}
	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// Forward checks the allowlist and hands the message to the control
// plane. This is the standard path for received messages.
func (c *BaseChannel) Forward(m bus.InboundMessage, reply bus.ReplyFunc) {
	if !c.IsAllowed(m.SenderID) {
		return
	}
	if c.dispatch != nil {
		c.dispatch(m, reply)
	}
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
