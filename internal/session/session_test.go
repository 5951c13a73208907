package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/github"
	"github.com/nextlevelbuilder/talon/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []bus.EngineInput
	reply   string
	err     error
	block   chan struct{} // when set, Complete waits for ctx or close
	started chan struct{}
}

func (f *fakeEngine) Complete(ctx context.Context, in bus.EngineInput) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	block, started := f.block, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
		}
	}
	return f.reply, f.err
}

func (f *fakeEngine) Ping(context.Context) bool { return true }

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVerifier struct{ ok bool }

func (f fakeVerifier) VerifyPR(context.Context, string) bool { return f.ok }

// liveCtxVerifier succeeds only while its context is usable, the way a
// subprocess-backed verifier behaves: exec.CommandContext cannot start on
// a cancelled context.
type liveCtxVerifier struct {
	mu      sync.Mutex
	sawDead bool
}

func (v *liveCtxVerifier) VerifyPR(ctx context.Context, _ string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ctx.Err() != nil {
		v.sawDead = true
		return false
	}
	return true
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []string
}

func (r *replyRecorder) fn(text string) error {
	r.mu.Lock()
	r.replies = append(r.replies, text)
	r.mu.Unlock()
	return nil
}

func (r *replyRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func testConfig() Config {
	return Config{MaxMessages: 10, MaxQueue: 8, MaxMessageBytes: 1024, DedupeWindow: time.Minute}
}

func newTestSession(t *testing.T, eng *fakeEngine, verifier github.PRVerifier, cfg Config) *AgentSession {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s, err := New("socket:test:main", st, eng, verifier, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func msg(id, text string) bus.InboundMessage {
	return bus.InboundMessage{ID: id, Source: bus.SourceSocket, ChannelID: "test", ThreadID: "main", SenderID: "op", Text: text, ReceivedAt: time.Now()}
}

func waitTurns(t *testing.T, ch chan bus.TurnEndEvent, n int) []bus.TurnEndEvent {
	t.Helper()
	out := make([]bus.TurnEndEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for turn_end %d/%d", len(out), n)
		}
	}
	return out
}

func TestTurnDeliversReplyAndTurnEnd(t *testing.T) {
	eng := &fakeEngine{reply: "all done"}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}

	if err := s.Enqueue(msg("m1", "hello"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	evs := waitTurns(t, turns, 1)
	if evs[0].Message == nil || evs[0].Message.Content != "all done" {
		t.Errorf("turn_end message = %+v", evs[0].Message)
	}
	if evs[0].TurnIndex != 1 {
		t.Errorf("turn index = %d, want 1", evs[0].TurnIndex)
	}
	if got := rec.all(); len(got) != 1 || got[0] != "all done" {
		t.Errorf("replies = %v", got)
	}
	if last := s.GetLastAssistantMessage(); last == nil || last.Content != "all done" {
		t.Errorf("last assistant = %+v", last)
	}
}

func TestDuplicateEventWithinWindowIgnored(t *testing.T) {
	eng := &fakeEngine{reply: "ok"}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })

	if err := s.Enqueue(msg("same-id", "first"), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(msg("same-id", "duplicate"), nil); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	waitTurns(t, turns, 1)
	time.Sleep(50 * time.Millisecond)
	if n := eng.callCount(); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
}

func TestMessageSizeBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 8
	eng := &fakeEngine{reply: "ok"}
	s := newTestSession(t, eng, fakeVerifier{}, cfg)

	if err := s.Enqueue(msg("m1", strings.Repeat("a", 8)), nil); err != nil {
		t.Errorf("text at limit rejected: %v", err)
	}
	if err := s.Enqueue(msg("m2", strings.Repeat("a", 9)), nil); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("over-limit error = %v, want ErrMessageTooLarge", err)
	}
}

func TestStoppedSessionEnqueueIsNoop(t *testing.T) {
	eng := &fakeEngine{reply: "ok"}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	s.Stop()
	if err := s.Enqueue(msg("m1", "hello"), nil); err != nil {
		t.Fatalf("Enqueue on stopped: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := eng.callCount(); n != 0 {
		t.Errorf("engine calls = %d, want 0", n)
	}
}

func TestAbortProducesAbortedFallback(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}

	if err := s.Enqueue(msg("m1", "long task"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-eng.started
	if !s.Abort() {
		t.Error("Abort on active turn = false, want true")
	}
	evs := waitTurns(t, turns, 1)
	if evs[0].Message == nil || evs[0].Message.Content != ReplyAborted {
		t.Errorf("turn_end message = %+v, want aborted fallback", evs[0].Message)
	}
	if got := rec.all(); len(got) != 1 || got[0] != ReplyAborted {
		t.Errorf("replies = %v", got)
	}
}

func TestEngineFailureFallback(t *testing.T) {
	eng := &fakeEngine{err: errors.New("boom")}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}

	if err := s.Enqueue(msg("m1", "hello"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTurns(t, turns, 1)
	if got := rec.all(); len(got) != 1 || got[0] != ReplyExecutionError {
		t.Errorf("replies = %v, want execution-error fallback", got)
	}
	// Failed turns are not persisted as assistant transcript.
	if last := s.GetLastAssistantMessage(); last != nil {
		t.Errorf("last assistant after failure = %+v, want nil", last)
	}
}

func TestUnverifiedPRClaimRewritten(t *testing.T) {
	eng := &fakeEngine{reply: "Done! See https://github.com/acme/widgets/pull/42"}
	s := newTestSession(t, eng, fakeVerifier{ok: false}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}

	if err := s.Enqueue(msg("m1", "open a PR"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTurns(t, turns, 1)
	got := rec.all()
	if len(got) != 1 || got[0] != ReplyUnverifiedPR {
		t.Errorf("replies = %v, want refusal", got)
	}
	if strings.Contains(got[0], "pull/42") {
		t.Error("unverified PR URL leaked into reply")
	}
}

func TestVerifiedPRClaimPassesThrough(t *testing.T) {
	reply := "Opened https://github.com/acme/widgets/pull/42"
	eng := &fakeEngine{reply: reply}
	s := newTestSession(t, eng, fakeVerifier{ok: true}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}

	if err := s.Enqueue(msg("m1", "open a PR"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTurns(t, turns, 1)
	if got := rec.all(); len(got) != 1 || got[0] != reply {
		t.Errorf("replies = %v", got)
	}
}

func TestPRVerificationRunsOnLiveContext(t *testing.T) {
	reply := "Opened https://github.com/acme/widgets/pull/42"
	eng := &fakeEngine{reply: reply}
	verifier := &liveCtxVerifier{}
	s := newTestSession(t, eng, verifier, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}

	if err := s.Enqueue(msg("m1", "open a PR"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTurns(t, turns, 1)

	verifier.mu.Lock()
	sawDead := verifier.sawDead
	verifier.mu.Unlock()
	if sawDead {
		t.Error("verifier invoked with an already-cancelled context")
	}
	if got := rec.all(); len(got) != 1 || got[0] != reply {
		t.Errorf("verified PR reply was rewritten: %v", got)
	}
}

func TestStickyRequirePRSuppressesPlainReplies(t *testing.T) {
	eng := &fakeEngine{reply: "just chatting, no PR"}
	s := newTestSession(t, eng, fakeVerifier{ok: true}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	rec := &replyRecorder{}
	s.SetRequirePR(true)

	if err := s.Enqueue(msg("m1", "status?"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	evs := waitTurns(t, turns, 1)
	if evs[0].Message != nil {
		t.Errorf("suppressed turn_end message = %+v, want nil", evs[0].Message)
	}
	if got := rec.all(); len(got) != 0 {
		t.Errorf("replies = %v, want none", got)
	}

	// A verified PR reply goes through even in sticky mode.
	eng.mu.Lock()
	eng.reply = "Opened https://github.com/acme/widgets/pull/7"
	eng.mu.Unlock()
	if err := s.Enqueue(msg("m2", "open it"), rec.fn); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTurns(t, turns, 1)
	if got := rec.all(); len(got) != 1 || !strings.Contains(got[0], "pull/7") {
		t.Errorf("replies = %v, want verified PR reply", got)
	}
}

func TestClearRejectsWhileBusyAndResets(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })

	if err := s.Enqueue(msg("m1", "work"), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-eng.started
	if err := s.Clear(false); !errors.Is(err, ErrBusy) {
		t.Errorf("Clear while busy = %v, want ErrBusy", err)
	}
	close(eng.block)
	waitTurns(t, turns, 1)

	if err := s.Clear(true); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Clear(summarize) = %v, want ErrUnsupported", err)
	}
	if err := s.Clear(false); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.TurnIndex() != 0 {
		t.Errorf("turn index after clear = %d", s.TurnIndex())
	}
	if last := s.GetLastAssistantMessage(); last != nil {
		t.Errorf("last assistant after clear = %+v", last)
	}
}

func TestGetSummaryNoMessages(t *testing.T) {
	eng := &fakeEngine{reply: "summary text"}
	s := newTestSession(t, eng, fakeVerifier{}, testConfig())
	if _, err := s.GetSummary(context.Background()); !errors.Is(err, ErrNoMessages) {
		t.Errorf("GetSummary on empty = %v, want ErrNoMessages", err)
	}
}

func TestTranscriptSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	eng := &fakeEngine{reply: "persisted answer"}
	s, err := New("socket:test:main", st, eng, fakeVerifier{}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	turns := make(chan bus.TurnEndEvent, 4)
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { turns <- ev })
	if err := s.Enqueue(msg("m1", "remember this"), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTurns(t, turns, 1)

	st2, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s2, err := New("socket:test:main", st2, eng, fakeVerifier{}, testConfig())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if last := s2.GetLastAssistantMessage(); last == nil || last.Content != "persisted answer" {
		t.Errorf("restored last assistant = %+v", last)
	}
	if s2.TurnIndex() != 1 {
		t.Errorf("restored turn index = %d, want 1", s2.TurnIndex())
	}
}
