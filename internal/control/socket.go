package control

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/talon/internal/alias"
	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/session"
	"github.com/nextlevelbuilder/talon/pkg/protocol"
)

// socketSubdir holds the per-session rendezvous sockets and alias symlinks.
const socketSubdir = "session-control"

// sessionSocket is one per-session Unix listener.
type sessionSocket struct {
	key  string
	path string
	ln   net.Listener
}

func (ss *sessionSocket) close() {
	ss.ln.Close()
	os.Remove(ss.path)
}

// subscription is a single-shot turn_end registration on one connection.
type subscription struct {
	id   string
	conn *connWriter
}

// connWriter serializes NDJSON writes on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(append(data, '\n'))
	return err
}

// SocketPath implements alias.SocketResolver: the rendezvous path for a
// session with a live listener.
func (cp *ControlPlane) SocketPath(sessionKey string) (string, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	ss, ok := cp.sockets[sessionKey]
	if !ok {
		return "", false
	}
	return ss.path, true
}

// SocketDir implements alias.SocketResolver: the directory holding the
// session sockets and alias symlinks.
func (cp *ControlPlane) SocketDir() string {
	return filepath.Join(cp.cfg.SocketDir, socketSubdir)
}

func (cp *ControlPlane) socketPathFor(sessionKey string) string {
	sum := sha1.Sum([]byte(sessionKey))
	return filepath.Join(cp.cfg.SocketDir, socketSubdir, hex.EncodeToString(sum[:])+".sock")
}

// ensureSocket binds the per-session listener. A stale socket file is
// removed and the bind retried exactly once; a live foreign listener is an
// error.
func (cp *ControlPlane) ensureSocket(key string) error {
	cp.mu.Lock()
	if _, ok := cp.sockets[key]; ok {
		cp.mu.Unlock()
		return nil
	}
	cp.mu.Unlock()

	path := cp.socketPathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if errors.Is(err, syscall.EADDRINUSE) {
		conn, dialErr := net.DialTimeout("unix", path, 500*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("socket %s: already served by another process", path)
		}
		os.Remove(path)
		ln, err = net.Listen("unix", path)
	}
	if err != nil {
		return fmt.Errorf("bind %s: %w", path, err)
	}

	ss := &sessionSocket{key: key, path: path, ln: ln}
	cp.mu.Lock()
	cp.sockets[key] = ss
	cp.mu.Unlock()

	go cp.serveSocket(ss)
	return nil
}

func (cp *ControlPlane) serveSocket(ss *sessionSocket) {
	for {
		conn, err := ss.ln.Accept()
		if err != nil {
			return
		}
		go cp.handleConn(ss.key, conn)
	}
}

// handleConn processes one connection line-serially. Responses and
// subscribed events interleave on the same connection.
func (cp *ControlPlane) handleConn(sessionKey string, conn net.Conn) {
	defer conn.Close()
	w := &connWriter{conn: conn}
	defer cp.dropSubscriptions(w)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := protocol.ParseRequest(line)
		if err != nil {
			w.writeJSON(protocol.ParseError(err.Error()))
			continue
		}
		cp.handleRequest(sessionKey, w, req)
	}
	if err := sc.Err(); err != nil {
		w.writeJSON(protocol.ParseError(err.Error()))
	}
}

func (cp *ControlPlane) handleRequest(socketKey string, w *connWriter, req protocol.Request) {
	switch r := req.(type) {
	case protocol.SendRequest:
		cp.rpcSend(socketKey, w, r)
	case protocol.SubscribeRequest:
		cp.rpcSubscribe(socketKey, w, r)
	case protocol.GetMessageRequest:
		cp.rpcGetMessage(socketKey, w, protocol.TypeGetMessage, r.ID, r.SessionKey)
	case protocol.GetSummaryRequest:
		cp.rpcGetSummary(socketKey, w, protocol.TypeGetSummary, r.ID, r.SessionKey)
	case protocol.ClearRequest:
		cp.rpcClear(socketKey, w, protocol.TypeClear, r.ID, r.SessionKey, r.Summarize)
	case protocol.AbortRequest:
		cp.rpcAbort(socketKey, w, protocol.TypeAbort, r.ID, r.SessionKey)
	case protocol.LegacyRequest:
		cp.handleLegacy(socketKey, w, r)
	case protocol.UnknownRequest:
		w.writeJSON(protocol.Fail(r.Tag, "", "Unsupported command: "+r.Tag))
	}
}

// effectiveKey picks the request's explicit session or the socket's own.
func effectiveKey(socketKey, reqKey string) string {
	if reqKey != "" {
		return reqKey
	}
	return socketKey
}

// lookup resolves an existing session; missing sessions are a
// session_not_found RPC error.
func (cp *ControlPlane) lookup(socketKey, reqKey string) (*session.AgentSession, string, bool) {
	key := effectiveKey(socketKey, reqKey)
	s, ok := cp.Session(key)
	return s, key, ok
}

func (cp *ControlPlane) rpcSend(socketKey string, w *connWriter, r protocol.SendRequest) {
	if r.Message == "" {
		w.writeJSON(protocol.Fail(protocol.TypeSend, r.ID, "empty_message"))
		return
	}
	key := effectiveKey(socketKey, r.SessionKey)
	s, err := cp.EnsureSession(key)
	if err != nil {
		w.writeJSON(protocol.Fail(protocol.TypeSend, r.ID, err.Error()))
		return
	}
	mode := r.Mode
	if s.IsIdle() {
		mode = protocol.ModeDirect
	}
	msg := bus.InboundMessage{
		ID:         uuid.NewString(),
		Source:     bus.SourceSocket,
		ChannelID:  key,
		SenderID:   "socket",
		Text:       r.Message,
		ReceivedAt: time.Now(),
	}
	if err := s.Enqueue(msg, nil); err != nil {
		w.writeJSON(protocol.Fail(protocol.TypeSend, r.ID, err.Error()))
		return
	}
	w.writeJSON(protocol.OK(protocol.TypeSend, r.ID, map[string]interface{}{
		"delivered": true,
		"mode":      mode,
	}))
}

func (cp *ControlPlane) rpcSubscribe(socketKey string, w *connWriter, r protocol.SubscribeRequest) {
	if r.Event != protocol.EventTurnEnd {
		w.writeJSON(protocol.Fail(protocol.TypeSubscribe, r.ID, "Unsupported event: "+r.Event))
		return
	}
	_, key, ok := cp.lookup(socketKey, r.SessionKey)
	if !ok {
		w.writeJSON(protocol.Fail(protocol.TypeSubscribe, r.ID, "session_not_found"))
		return
	}
	sub := &subscription{id: uuid.NewString(), conn: w}
	cp.mu.Lock()
	cp.subs[key] = append(cp.subs[key], sub)
	cp.mu.Unlock()
	w.writeJSON(protocol.OK(protocol.TypeSubscribe, r.ID, map[string]interface{}{
		"subscriptionId": sub.id,
		"event":          protocol.EventTurnEnd,
	}))
}

func (cp *ControlPlane) rpcGetMessage(socketKey string, w *connWriter, command, id, reqKey string) {
	s, _, ok := cp.lookup(socketKey, reqKey)
	if !ok {
		w.writeJSON(protocol.Fail(command, id, "session_not_found"))
		return
	}
	w.writeJSON(protocol.OK(command, id, map[string]interface{}{
		"message": s.GetLastAssistantMessage(),
	}))
}

func (cp *ControlPlane) rpcGetSummary(socketKey string, w *connWriter, command, id, reqKey string) {
	s, _, ok := cp.lookup(socketKey, reqKey)
	if !ok {
		w.writeJSON(protocol.Fail(command, id, "session_not_found"))
		return
	}
	summary, err := s.GetSummary(context.Background())
	if err != nil {
		w.writeJSON(protocol.Fail(command, id, err.Error()))
		return
	}
	w.writeJSON(protocol.OK(command, id, map[string]interface{}{"summary": summary}))
}

func (cp *ControlPlane) rpcClear(socketKey string, w *connWriter, command, id, reqKey string, summarize bool) {
	s, _, ok := cp.lookup(socketKey, reqKey)
	if !ok {
		w.writeJSON(protocol.Fail(command, id, "session_not_found"))
		return
	}
	if err := s.Clear(summarize); err != nil {
		w.writeJSON(protocol.Fail(command, id, err.Error()))
		return
	}
	w.writeJSON(protocol.OK(command, id, map[string]interface{}{
		"cleared":       true,
		"alreadyAtRoot": true,
		"targetId":      "root",
	}))
}

func (cp *ControlPlane) rpcAbort(socketKey string, w *connWriter, command, id, reqKey string) {
	s, _, ok := cp.lookup(socketKey, reqKey)
	if !ok {
		w.writeJSON(protocol.Fail(command, id, "session_not_found"))
		return
	}
	w.writeJSON(protocol.OK(command, id, map[string]interface{}{
		"aborted": s.Abort(),
	}))
}

// legacyArgs is the superset of fields across legacy actions.
type legacyArgs struct {
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Summarize  bool   `json:"summarize,omitempty"`
}

// handleLegacy serves the action-tagged surface. Kept bit-exact because
// on-disk tools consume it.
func (cp *ControlPlane) handleLegacy(socketKey string, w *connWriter, r protocol.LegacyRequest) {
	var args legacyArgs
	if err := json.Unmarshal(r.Args, &args); err != nil {
		w.writeJSON(protocol.ParseError(err.Error()))
		return
	}
	switch r.Action {
	case protocol.ActionHealth:
		w.writeJSON(protocol.OK(r.Action, args.ID, map[string]interface{}{"status": "ok"}))
	case protocol.ActionList:
		w.writeJSON(protocol.OK(r.Action, args.ID, map[string]interface{}{
			"sessions": cp.SessionKeys(),
		}))
	case protocol.ActionStop:
		key := effectiveKey(socketKey, args.SessionKey)
		w.writeJSON(protocol.OK(r.Action, args.ID, map[string]interface{}{
			"stopped": cp.StopSession(key),
		}))
	case protocol.ActionSend:
		cp.rpcSend(socketKey, w, protocol.SendRequest{
			ID: args.ID, SessionKey: args.SessionKey, Message: args.Message, Mode: args.Mode,
		})
	case protocol.ActionGetMessage:
		cp.rpcGetMessage(socketKey, w, r.Action, args.ID, args.SessionKey)
	case protocol.ActionGetSummary:
		cp.rpcGetSummary(socketKey, w, r.Action, args.ID, args.SessionKey)
	case protocol.ActionClear:
		cp.rpcClear(socketKey, w, r.Action, args.ID, args.SessionKey, args.Summarize)
	case protocol.ActionAbort:
		cp.rpcAbort(socketKey, w, r.Action, args.ID, args.SessionKey)
	case protocol.ActionAliasSet:
		cp.legacyAliasSet(socketKey, w, r.Action, args)
	case protocol.ActionAliasRemove:
		cp.legacyAliasRemove(w, r.Action, args)
	case protocol.ActionAliasList:
		w.writeJSON(protocol.OK(r.Action, args.ID, map[string]interface{}{
			"aliases": cp.aliases.List(),
		}))
	case protocol.ActionAliasResolve:
		key, ok := cp.aliases.Resolve(args.Alias)
		if !ok {
			w.writeJSON(protocol.Fail(r.Action, args.ID, alias.ErrNotFound.Error()))
			return
		}
		w.writeJSON(protocol.OK(r.Action, args.ID, map[string]interface{}{"sessionKey": key}))
	default:
		w.writeJSON(protocol.Fail(r.Action, args.ID, "Unsupported command: "+r.Action))
	}
}

func (cp *ControlPlane) legacyAliasSet(socketKey string, w *connWriter, action string, args legacyArgs) {
	target := effectiveKey(socketKey, args.SessionKey)
	rec, err := cp.aliases.Set(args.Alias, target)
	if err != nil {
		w.writeJSON(protocol.Fail(action, args.ID, err.Error()))
		return
	}
	w.writeJSON(protocol.OK(action, args.ID, rec))
}

func (cp *ControlPlane) legacyAliasRemove(w *connWriter, action string, args legacyArgs) {
	prev, err := cp.aliases.Remove(args.Alias)
	if err != nil {
		w.writeJSON(protocol.Fail(action, args.ID, err.Error()))
		return
	}
	w.writeJSON(protocol.OK(action, args.ID, map[string]interface{}{
		"removed": prev != nil,
	}))
}

// fireTurnEnd delivers one turn_end to every single-shot subscriber of the
// session and clears them. Delivery failures drop the subscriber silently.
func (cp *ControlPlane) fireTurnEnd(sessionKey string, ev bus.TurnEndEvent) {
	cp.mu.Lock()
	subs := cp.subs[sessionKey]
	delete(cp.subs, sessionKey)
	cp.mu.Unlock()

	for _, sub := range subs {
		msg := protocol.EventMessage{
			Type:           "event",
			Event:          protocol.EventTurnEnd,
			Data:           ev,
			SubscriptionID: sub.id,
		}
		if err := sub.conn.writeJSON(msg); err != nil {
			slog.Debug("turn_end delivery failed", "session", sessionKey, "error", err)
		}
	}
	cp.publish("turn_end", map[string]interface{}{
		"sessionKey": sessionKey,
		"turnIndex":  ev.TurnIndex,
	})
}

// dropSubscriptions removes any registrations held by a closed connection.
func (cp *ControlPlane) dropSubscriptions(w *connWriter) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for key, subs := range cp.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.conn != w {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(cp.subs, key)
		} else {
			cp.subs[key] = kept
		}
	}
}
