// Package control is the central coordinator. It deduplicates inbound
// events, routes them into sessions or the task orchestrator, parses
// operator command syntax, serves the per-session RPC sockets, and fans
// turn_end events out to subscribers.
package control

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/talon/internal/alias"
	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/engine"
	"github.com/nextlevelbuilder/talon/internal/github"
	"github.com/nextlevelbuilder/talon/internal/route"
	"github.com/nextlevelbuilder/talon/internal/session"
	"github.com/nextlevelbuilder/talon/internal/store"
	"github.com/nextlevelbuilder/talon/internal/task"
)

// Dispatch modes.
const (
	ModeSession = "session"
	ModeTask    = "task"
	ModeHybrid  = "hybrid"
)

// Fixed operator-facing strings.
const (
	ReplyEmptyMessage   = "Message text is required."
	ReplyMessageTooBig  = "Message exceeds the maximum size."
	ReplyNoOrchestrator = "Task orchestration is not available."
	ReplyNoRepo         = "No repository is configured. Add one under \"repos\" in the config file and restart."
)

// TaskBackend is the slice of the orchestrator the control plane consumes.
type TaskBackend interface {
	Submit(req task.SubmitRequest) (*task.Record, error)
	Get(id string) (*task.Record, bool)
}

// Config carries the dispatch and session parameters.
type Config struct {
	SocketDir      string // parent for session-control/
	DispatchMode   string // session|task|hybrid
	DedupeWindow   time.Duration
	SessionTTL     time.Duration
	TaskUpdatePoll time.Duration
	Session        session.Config
}

// Result reports the outcome of one Dispatch call.
type Result struct {
	Accepted   bool
	Reason     string
	SessionKey string
	Mode       string
	TaskID     string
}

// ControlPlane coordinates sessions, sockets, subscriptions, and dispatch.
type ControlPlane struct {
	cfg      Config
	store    *store.Store
	engine   engine.Engine
	verifier github.PRVerifier
	aliases  *alias.Registry
	tasks    TaskBackend
	events   bus.EventPublisher

	mu       sync.Mutex
	sessions map[string]*session.AgentSession
	sockets  map[string]*sessionSocket
	subs     map[string][]*subscription
	seen     map[string]time.Time
	closed   bool
	done     chan struct{}
}

// Option configures optional collaborators.
type Option func(*ControlPlane)

// WithTasks wires a task orchestrator for task-flow dispatch.
func WithTasks(tb TaskBackend) Option {
	return func(cp *ControlPlane) { cp.tasks = tb }
}

// WithEvents wires the operator event feed.
func WithEvents(pub bus.EventPublisher) Option {
	return func(cp *ControlPlane) { cp.events = pub }
}

// New builds the control plane. The alias registry is attached as a
// socket resolver so alias symlinks track live session sockets.
func New(cfg Config, st *store.Store, eng engine.Engine, verifier github.PRVerifier, reg *alias.Registry, opts ...Option) *ControlPlane {
	cp := &ControlPlane{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		verifier: verifier,
		aliases:  reg,
		sessions: make(map[string]*session.AgentSession),
		sockets:  make(map[string]*sessionSocket),
		subs:     make(map[string][]*subscription),
		seen:     make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cp)
	}
	if reg != nil {
		reg.AttachSockets(cp)
	}
	go cp.cleanupLoop()
	return cp
}

// directivePattern is the optional dispatch prefix: "chat:", "task ",
// "/chat: " and so on.
var directivePattern = regexp.MustCompile(`^/?(chat|task)[ :]\s*`)

// Dispatch routes one inbound message. The reply callback receives every
// human-facing response; it may be nil for fire-and-forget sources.
func (cp *ControlPlane) Dispatch(m bus.InboundMessage, reply bus.ReplyFunc) Result {
	rt := route.FromMessage(m.Source, m.ChannelID, m.ThreadID)

	if cp.isDuplicate(m.ID) {
		return Result{Accepted: true, Reason: "duplicate", SessionKey: rt.SessionKey}
	}

	text := strings.TrimSpace(m.Text)
	modeOverride := ""
	if loc := directivePattern.FindString(text); loc != "" {
		modeOverride = strings.Trim(loc, "/ :\t")
		if modeOverride == "chat" {
			modeOverride = ModeSession
		} else {
			modeOverride = ModeTask
		}
		text = strings.TrimSpace(text[len(loc):])
	}

	if text == "" {
		cp.send(reply, ReplyEmptyMessage)
		return Result{Accepted: false, Reason: "empty_message", SessionKey: rt.SessionKey}
	}

	if verb, args, ok := parseCommand(text); ok {
		return cp.runCommand(rt, verb, args, reply)
	}

	taskFlow := false
	switch modeOverride {
	case ModeSession:
		taskFlow = false
	case ModeTask:
		taskFlow = true
	default:
		cp.mu.Lock()
		taskFlow = cp.cfg.DispatchMode == ModeTask
		cp.mu.Unlock()
	}

	if taskFlow {
		return cp.dispatchTask(rt, text, reply)
	}
	return cp.dispatchSession(rt, m, text, reply)
}

func (cp *ControlPlane) dispatchSession(rt route.Route, m bus.InboundMessage, text string, reply bus.ReplyFunc) Result {
	s, err := cp.EnsureSession(rt.SessionKey)
	if err != nil {
		slog.Error("session create failed", "session", rt.SessionKey, "error", err)
		return Result{Accepted: false, Reason: "session_error", SessionKey: rt.SessionKey}
	}
	m.Text = text
	if err := s.Enqueue(m, reply); err != nil {
		if err == session.ErrMessageTooLarge {
			cp.send(reply, ReplyMessageTooBig)
			return Result{Accepted: false, Reason: "message_too_large", SessionKey: rt.SessionKey}
		}
		slog.Warn("enqueue failed", "session", rt.SessionKey, "error", err)
		return Result{Accepted: false, Reason: err.Error(), SessionKey: rt.SessionKey}
	}
	return Result{Accepted: true, SessionKey: rt.SessionKey, Mode: ModeSession}
}

func (cp *ControlPlane) dispatchTask(rt route.Route, text string, reply bus.ReplyFunc) Result {
	if cp.tasks == nil {
		cp.send(reply, ReplyNoOrchestrator)
		return Result{Accepted: false, Reason: "task_unavailable", SessionKey: rt.SessionKey}
	}
	rec, err := cp.tasks.Submit(task.SubmitRequest{
		Text:       text,
		SessionKey: rt.SessionKey,
		Source:     task.SourceTransport,
	})
	if err != nil {
		if err == task.ErrRepoNotFound {
			cp.send(reply, ReplyNoRepo)
			return Result{Accepted: false, Reason: "repo_not_found", SessionKey: rt.SessionKey}
		}
		slog.Error("task submit failed", "session", rt.SessionKey, "error", err)
		cp.send(reply, "Task submission failed: "+err.Error())
		return Result{Accepted: false, Reason: "submit_failed", SessionKey: rt.SessionKey}
	}
	cp.send(reply, fmt.Sprintf("Queued task %s (repo: %s).", rec.ID, rec.RepoID))
	go cp.watchTask(rec.ID, reply)
	return Result{Accepted: true, SessionKey: rt.SessionKey, Mode: ModeTask, TaskID: rec.ID}
}

// SetDispatchMode switches the default dispatch flow at runtime. Used by
// the config reloader; invalid modes are ignored.
func (cp *ControlPlane) SetDispatchMode(mode string) {
	switch mode {
	case ModeSession, ModeTask, ModeHybrid:
	default:
		return
	}
	cp.mu.Lock()
	cp.cfg.DispatchMode = mode
	cp.mu.Unlock()
}

// EnsureSession returns the live session for a key, creating and wiring
// it (socket, turn_end fan-out, alias symlinks) on first use.
func (cp *ControlPlane) EnsureSession(key string) (*session.AgentSession, error) {
	cp.mu.Lock()
	if s, ok := cp.sessions[key]; ok {
		cp.mu.Unlock()
		return s, nil
	}
	cp.mu.Unlock()

	s, err := session.New(key, cp.store, cp.engine, cp.verifier, cp.cfg.Session)
	if err != nil {
		return nil, err
	}
	s.SetTurnEndHandler(func(ev bus.TurnEndEvent) { cp.fireTurnEnd(key, ev) })

	cp.mu.Lock()
	if prior, ok := cp.sessions[key]; ok {
		cp.mu.Unlock()
		return prior, nil
	}
	cp.sessions[key] = s
	cp.mu.Unlock()

	if err := cp.ensureSocket(key); err != nil {
		slog.Warn("session socket unavailable", "session", key, "error", err)
	}
	if cp.aliases != nil {
		cp.aliases.SyncSession(key)
	}
	return s, nil
}

// Session returns the live session for a key, if any.
func (cp *ControlPlane) Session(key string) (*session.AgentSession, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	s, ok := cp.sessions[key]
	return s, ok
}

// SessionKeys lists live session keys.
func (cp *ControlPlane) SessionKeys() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	keys := make([]string, 0, len(cp.sessions))
	for k := range cp.sessions {
		keys = append(keys, k)
	}
	return keys
}

// StopSession stops a session, closes its socket, and drops it from the
// live set. Alias symlinks targeting it are removed on the next sync.
func (cp *ControlPlane) StopSession(key string) bool {
	cp.mu.Lock()
	s, ok := cp.sessions[key]
	if !ok {
		cp.mu.Unlock()
		return false
	}
	delete(cp.sessions, key)
	sock := cp.sockets[key]
	delete(cp.sockets, key)
	delete(cp.subs, key)
	cp.mu.Unlock()

	s.Stop()
	if sock != nil {
		sock.close()
	}
	if cp.aliases != nil {
		cp.aliases.SyncSession(key)
	}
	slog.Info("session stopped", "session", key)
	return true
}

// Close shuts the control plane down: cleanup timer, sockets, sessions.
func (cp *ControlPlane) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	close(cp.done)
	keys := make([]string, 0, len(cp.sessions))
	for k := range cp.sessions {
		keys = append(keys, k)
	}
	cp.mu.Unlock()

	for _, k := range keys {
		cp.StopSession(k)
	}
}

// isDuplicate records the event id and reports whether it was already
// seen within the dedupe window. Expired entries are swept on each touch.
func (cp *ControlPlane) isDuplicate(id string) bool {
	now := time.Now()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for k, at := range cp.seen {
		if now.Sub(at) >= cp.cfg.DedupeWindow {
			delete(cp.seen, k)
		}
	}
	if _, ok := cp.seen[id]; ok {
		return true
	}
	cp.seen[id] = now
	return false
}

func (cp *ControlPlane) send(reply bus.ReplyFunc, text string) {
	if reply == nil {
		return
	}
	if err := reply(text); err != nil {
		slog.Warn("reply delivery failed", "error", err)
	}
}

func (cp *ControlPlane) publish(name string, payload interface{}) {
	if cp.events != nil {
		cp.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// cleanupLoop evicts idle sessions past the TTL.
func (cp *ControlPlane) cleanupLoop() {
	interval := cp.cfg.SessionTTL / 2
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-cp.done:
			return
		case <-t.C:
			cp.evictIdle()
		}
	}
}

func (cp *ControlPlane) evictIdle() {
	if cp.cfg.SessionTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-cp.cfg.SessionTTL)
	cp.mu.Lock()
	var stale []string
	for key, s := range cp.sessions {
		if s.LastActiveAt().Before(cutoff) && s.IsIdle() {
			stale = append(stale, key)
		}
	}
	cp.mu.Unlock()
	for _, key := range stale {
		slog.Info("evicting idle session", "session", key)
		cp.StopSession(key)
	}
}
