// Package session owns one conversation's state machine: its serial
// queue, transcript, dedupe window, and turn lifecycle. At most one engine
// call is in flight per session at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/engine"
	"github.com/nextlevelbuilder/talon/internal/github"
	"github.com/nextlevelbuilder/talon/internal/queue"
	"github.com/nextlevelbuilder/talon/internal/store"
)

var (
	// ErrMessageTooLarge rejects inbound text above MAX_MESSAGE_BYTES.
	ErrMessageTooLarge = errors.New("message_too_large")
	// ErrBusy rejects Clear while a turn runs or messages are queued.
	ErrBusy = errors.New("session_busy")
	// ErrUnsupported marks the reserved summarize-on-clear flag.
	ErrUnsupported = errors.New("unsupported")
	// ErrNoMessages means there is nothing to summarize.
	ErrNoMessages = errors.New("no_messages")
)

// Fixed operator-facing strings. The PR refusal is a safety property: an
// unverified PR claim is never surfaced.
const (
	ReplyAborted        = "Turn was aborted by operator."
	ReplyExecutionError = "I hit an execution error processing your request."
	ReplyUnverifiedPR   = "I can't verify that PR URL yet. I'll follow up once it exists."
)

const summaryPrompt = "Summarize the following assistant activity in two sentences for an operator checking in:"

// prVerifyTimeout bounds PR-claim verification after a turn completes.
const prVerifyTimeout = 30 * time.Second

// Config bounds one session.
type Config struct {
	MaxMessages     int
	MaxQueue        int
	MaxMessageBytes int
	DedupeWindow    time.Duration
}

// TurnEndFunc receives exactly one event per completed turn.
type TurnEndFunc func(ev bus.TurnEndEvent)

// AgentSession is the per-session coordinator.
type AgentSession struct {
	key      string
	st       *store.Store
	eng      engine.Engine
	verifier github.PRVerifier
	cfg      Config
	queue    *queue.SerialQueue

	mu         sync.Mutex
	state      store.SessionState
	transcript []store.ContextEntry
	seen       map[string]time.Time
	running    bool
	cancelTurn context.CancelFunc
	stopped    bool
	requirePR  bool // sticky: suppress replies lacking a verified PR URL
	onTurnEnd  TurnEndFunc
	onOverflow func(dropped int)
}

// New loads or creates the session for a key. Prior state and the
// transcript tail are restored from the store.
func New(key string, st *store.Store, eng engine.Engine, verifier github.PRVerifier, cfg Config) (*AgentSession, error) {
	s := &AgentSession{
		key:      key,
		st:       st,
		eng:      eng,
		verifier: verifier,
		cfg:      cfg,
		seen:     make(map[string]time.Time),
	}
	s.queue = queue.New(queue.Config{
		MaxDepth:             cfg.MaxQueue,
		DropOldestOnOverflow: true,
		OnOverflow: func(n int) {
			slog.Warn("session queue overflow", "session", key, "dropped", n)
			s.mu.Lock()
			cb := s.onOverflow
			s.mu.Unlock()
			if cb != nil {
				cb(n)
			}
		},
	})

	prev, err := st.ReadSessionState(key)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	if prev != nil {
		s.state = *prev
	} else {
		s.state = store.SessionState{SessionKey: key}
	}
	tail, err := st.ReadContextTail(key, cfg.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", key, err)
	}
	s.transcript = tail
	return s, nil
}

// Key returns the session key.
func (s *AgentSession) Key() string { return s.key }

// SetTurnEndHandler wires the control plane's turn_end fan-out.
func (s *AgentSession) SetTurnEndHandler(fn TurnEndFunc) {
	s.mu.Lock()
	s.onTurnEnd = fn
	s.mu.Unlock()
}

// SetOverflowHandler is notified when queued messages are dropped.
func (s *AgentSession) SetOverflowHandler(fn func(dropped int)) {
	s.mu.Lock()
	s.onOverflow = fn
	s.mu.Unlock()
}

// SetRequirePR toggles sticky mode: no replies until a turn produces a
// verified PR URL.
func (s *AgentSession) SetRequirePR(on bool) {
	s.mu.Lock()
	s.requirePR = on
	s.mu.Unlock()
}

// IsIdle reports no running turn and an empty queue.
func (s *AgentSession) IsIdle() bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return !running && s.queue.Size() == 0
}

// LastActiveAt is the time of the last accepted event.
func (s *AgentSession) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastActiveAt
}

// TurnIndex is the number of completed or started turns.
func (s *AgentSession) TurnIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TurnIndex
}

// QueueSize is the current queued depth.
func (s *AgentSession) QueueSize() int { return s.queue.Size() }

// Stop marks the session stopped: subsequent Enqueues are no-ops and any
// in-flight turn is aborted.
func (s *AgentSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Abort()
}

// Enqueue accepts one inbound event. Stopped sessions and duplicate event
// ids are silent no-ops. Oversized text is rejected before anything is
// persisted beyond the raw log.
func (s *AgentSession) Enqueue(event bus.InboundMessage, reply bus.ReplyFunc) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	now := time.Now()
	s.pruneSeenLocked(now)
	if seenAt, ok := s.seen[event.ID]; ok && now.Sub(seenAt) < s.cfg.DedupeWindow {
		s.mu.Unlock()
		return nil
	}
	s.seen[event.ID] = now

	s.state.LastActiveAt = now.UTC()
	s.state.MessageCount++
	s.state.LastProcessedMessageID = event.ID
	state := s.state
	s.mu.Unlock()

	if err := s.st.AppendLine(s.key, store.FileLog, event); err != nil {
		slog.Warn("raw event append failed", "session", s.key, "error", err)
	}
	if err := s.st.WriteSessionState(s.key, &state); err != nil {
		slog.Warn("session state persist failed", "session", s.key, "error", err)
	}

	if s.cfg.MaxMessageBytes > 0 && len(event.Text) > s.cfg.MaxMessageBytes {
		return ErrMessageTooLarge
	}

	return s.queue.Enqueue(func() {
		s.processMessage(event, event.Text, reply)
	})
}

// Abort cancels the in-flight turn and clears the queue. Returns whether
// anything was actually active.
func (s *AgentSession) Abort() bool {
	s.mu.Lock()
	cancel := s.cancelTurn
	running := s.running
	s.mu.Unlock()

	cleared := s.queue.Clear()
	if cancel != nil {
		cancel()
	}
	return running || cleared > 0
}

// Clear resets the transcript, state, and dedupe cache. Rejected while
// busy. summarize is reserved and always fails.
func (s *AgentSession) Clear(summarize bool) error {
	if summarize {
		return ErrUnsupported
	}
	s.mu.Lock()
	if s.running || s.queue.Size() > 0 {
		s.mu.Unlock()
		return ErrBusy
	}
	s.transcript = nil
	s.seen = make(map[string]time.Time)
	s.state = store.SessionState{SessionKey: s.key, LastActiveAt: time.Now().UTC()}
	state := s.state
	s.mu.Unlock()

	if err := s.st.ClearSessionData(s.key); err != nil {
		return err
	}
	return s.st.WriteSessionState(s.key, &state)
}

// GetLastAssistantMessage tail-scans the transcript.
func (s *AgentSession) GetLastAssistantMessage() *bus.TranscriptMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Kind == "assistant" {
			return &bus.TranscriptMessage{
				Role:      "assistant",
				Content:   s.transcript[i].Text,
				Timestamp: s.transcript[i].At,
			}
		}
	}
	return nil
}

// GetSummary asks the engine to summarize assistant activity since the
// last user turn.
func (s *AgentSession) GetSummary(ctx context.Context) (string, error) {
	s.mu.Lock()
	var since []string
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Kind == "user" {
			break
		}
		since = append([]string{s.transcript[i].Text}, since...)
	}
	s.mu.Unlock()

	if len(since) == 0 {
		return "", ErrNoMessages
	}
	out, err := s.eng.Complete(ctx, bus.EngineInput{
		SessionKey:   s.key,
		Text:         summaryPrompt,
		ContextLines: since,
	})
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	return out, nil
}

// processMessage runs one turn. Invoked only from the serial queue.
func (s *AgentSession) processMessage(event bus.InboundMessage, safeText string, reply bus.ReplyFunc) {
	now := time.Now().UTC()
	userEntry := store.ContextEntry{Kind: "user", Text: safeText, At: now}

	s.mu.Lock()
	s.transcript = append(s.transcript, userEntry)
	s.trimTranscriptLocked()
	s.state.TurnIndex++
	turnIndex := s.state.TurnIndex
	contextLines := s.contextLinesLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancelTurn = cancel
	s.mu.Unlock()

	if err := s.st.AppendLine(s.key, store.FileContext, userEntry); err != nil {
		slog.Warn("transcript append failed", "session", s.key, "error", err)
	}

	input := bus.EngineInput{
		SessionKey:        s.key,
		Route:             s.key,
		Text:              safeText,
		SenderID:          event.SenderID,
		Metadata:          event.Metadata,
		ContextLines:      contextLines,
		RawEvent:          &event,
		RecentAttachments: event.Attachments,
	}

	out, err := s.eng.Complete(ctx, input)
	cancel()

	s.mu.Lock()
	s.running = false
	s.cancelTurn = nil
	requirePR := s.requirePR
	s.mu.Unlock()

	if err != nil {
		fallback := ReplyExecutionError
		if engine.IsCancellation(err) {
			fallback = ReplyAborted
		} else {
			slog.Error("engine turn failed", "session", s.key, "error", err)
		}
		s.deliver(reply, fallback)
		s.persistState()
		s.emitTurnEnd(bus.TurnEndEvent{
			Message:   &bus.TranscriptMessage{Role: "assistant", Content: fallback, Timestamp: time.Now().UTC()},
			TurnIndex: turnIndex,
		})
		return
	}

	// Safety property: never surface an unverified PR claim. The turn
	// context is already cancelled at this point, so verification runs on
	// its own deadline.
	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), prVerifyTimeout)
	verified := s.verifyPRClaims(verifyCtx, &out)
	cancelVerify()

	if requirePR && !verified {
		slog.Info("reply suppressed pending verified PR", "session", s.key)
		s.persistState()
		s.emitTurnEnd(bus.TurnEndEvent{Message: nil, TurnIndex: turnIndex})
		return
	}

	assistantEntry := store.ContextEntry{Kind: "assistant", Text: out, At: time.Now().UTC()}
	s.mu.Lock()
	s.transcript = append(s.transcript, assistantEntry)
	s.trimTranscriptLocked()
	s.mu.Unlock()

	if err := s.st.AppendLine(s.key, store.FileContext, assistantEntry); err != nil {
		slog.Warn("transcript append failed", "session", s.key, "error", err)
	}
	s.deliver(reply, out)
	s.persistState()
	s.emitTurnEnd(bus.TurnEndEvent{
		Message:   &bus.TranscriptMessage{Role: "assistant", Content: out, Timestamp: assistantEntry.At},
		TurnIndex: turnIndex,
	})
}

// verifyPRClaims checks every PR URL in the reply. When any URL cannot be
// verified the whole reply is replaced with the fixed refusal. Returns
// whether the reply carries at least one verified PR URL.
func (s *AgentSession) verifyPRClaims(ctx context.Context, out *string) bool {
	urls := github.ExtractPRURLs(*out)
	if len(urls) == 0 {
		return false
	}
	if s.verifier == nil {
		*out = ReplyUnverifiedPR
		return false
	}
	for _, u := range urls {
		if !s.verifier.VerifyPR(ctx, u) {
			*out = ReplyUnverifiedPR
			return false
		}
	}
	return true
}

func (s *AgentSession) deliver(reply bus.ReplyFunc, text string) {
	if reply == nil {
		return
	}
	if err := reply(text); err != nil {
		slog.Warn("reply delivery failed", "session", s.key, "error", err)
	}
}

func (s *AgentSession) persistState() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if err := s.st.WriteSessionState(s.key, &state); err != nil {
		slog.Warn("session state persist failed", "session", s.key, "error", err)
	}
}

func (s *AgentSession) emitTurnEnd(ev bus.TurnEndEvent) {
	s.mu.Lock()
	fn := s.onTurnEnd
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *AgentSession) contextLinesLocked() []string {
	lines := make([]string, 0, len(s.transcript))
	for _, e := range s.transcript {
		lines = append(lines, e.Kind+": "+strings.ReplaceAll(e.Text, "\n", " "))
	}
	return lines
}

func (s *AgentSession) trimTranscriptLocked() {
	if s.cfg.MaxMessages > 0 && len(s.transcript) > s.cfg.MaxMessages {
		s.transcript = append(s.transcript[:0:0], s.transcript[len(s.transcript)-s.cfg.MaxMessages:]...)
	}
}

// pruneSeenLocked sweeps dedupe entries older than the window.
func (s *AgentSession) pruneSeenLocked(now time.Time) {
	for id, at := range s.seen {
		if now.Sub(at) >= s.cfg.DedupeWindow {
			delete(s.seen, id)
		}
	}
}
