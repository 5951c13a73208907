package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
)

type stubChannel struct {
	*BaseChannel
}

func (s *stubChannel) Start(context.Context) error { s.SetRunning(true); return nil }
func (s *stubChannel) Stop(context.Context) error  { s.SetRunning(false); return nil }

func newStubChannel(name string) *stubChannel {
	return &stubChannel{BaseChannel: NewBaseChannel(name, nil, nil)}
}

func TestAllowlist(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list admits everyone", nil, "12345", true},
		{"exact id match", []string{"12345"}, "12345", true},
		{"unlisted id rejected", []string{"12345"}, "99999", false},
		{"compound id part matches", []string{"12345"}, "12345|alice", true},
		{"compound username part matches", []string{"alice"}, "12345|alice", true},
		{"at-prefixed entry matches username", []string{"@alice"}, "12345|alice", true},
		{"compound with unlisted parts rejected", []string{"bob"}, "12345|alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", nil, tt.allowList)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestForwardRespectsAllowlist(t *testing.T) {
	var got []string
	dispatch := func(m bus.InboundMessage, reply bus.ReplyFunc) {
		got = append(got, m.SenderID)
	}
	c := NewBaseChannel("test", dispatch, []string{"allowed"})

	c.Forward(bus.InboundMessage{SenderID: "allowed", Text: "hi"}, nil)
	c.Forward(bus.InboundMessage{SenderID: "blocked", Text: "hi"}, nil)

	if len(got) != 1 || got[0] != "allowed" {
		t.Errorf("dispatched senders = %v, want [allowed]", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(50*time.Millisecond, 2)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two hits should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third hit within window should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("separate key has its own budget")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("new window should admit again")
	}
}

func TestManagerRegisterAndNames(t *testing.T) {
	m := NewManager()
	m.Register(newStubChannel("slack"))
	m.Register(newStubChannel("discord"))

	names := m.Names()
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
	if _, ok := m.Get("slack"); !ok {
		t.Error("registered channel not found")
	}
	if _, ok := m.Get("telegram"); ok {
		t.Error("unregistered channel found")
	}
}
