// Package route derives deterministic session keys from inbound messages.
//
// Session keys follow the canonical format:
//
//	{source}:{channel}:{thread}
//
// Examples:
//
//	slack:C0421:main
//	discord:988112:1203
//	socket:eng:main
package route

import "strings"

// DefaultThread is used when a message carries no thread identifier.
const DefaultThread = "main"

// Route is the normalized location of a conversation.
type Route struct {
	Source     string
	Channel    string
	Thread     string
	SessionKey string
}

// FromMessage derives the route for an inbound message. Pure function:
// non [A-Za-z0-9._-] characters are sanitized to '_' and a missing thread
// defaults to "main".
func FromMessage(source, channelID, threadID string) Route {
	src := Sanitize(source)
	ch := Sanitize(channelID)
	th := Sanitize(threadID)
	if th == "" {
		th = DefaultThread
	}
	return Route{
		Source:     src,
		Channel:    ch,
		Thread:     th,
		SessionKey: src + ":" + ch + ":" + th,
	}
}

// Sanitize replaces every character outside [A-Za-z0-9._-] with '_'.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
