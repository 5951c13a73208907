// Package store is the durable file store shared by sessions, the alias
// registry, and the task orchestrator.
//
// Layout under the data directory:
//
//	sessions/{sessionKey}/state.json     latest session snapshot
//	sessions/{sessionKey}/log.jsonl      append-only raw inbound events
//	sessions/{sessionKey}/context.jsonl  append-only transcript entries
//	aliases.json                         alias registry
//	tasks/state.json                     task orchestrator snapshot
//
// Every snapshot write goes through a temp file + rename so a reader never
// observes a torn file.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Well-known per-session file names.
const (
	FileState   = "state.json"
	FileLog     = "log.jsonl"
	FileContext = "context.jsonl"
)

// SessionState is the persisted per-session snapshot.
type SessionState struct {
	SessionKey             string    `json:"sessionKey"`
	LastActiveAt           time.Time `json:"lastActiveAt"`
	MessageCount           int       `json:"messageCount"`
	TurnIndex              int       `json:"turnIndex"`
	LastProcessedMessageID string    `json:"lastProcessedMessageId,omitempty"`
}

// ContextEntry is one transcript line in context.jsonl.
type ContextEntry struct {
	Kind string    `json:"kind"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Store roots all durable state under one directory.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// SessionDir returns the directory for one session, creating it lazily on
// first write.
func (s *Store) SessionDir(key string) string {
	return filepath.Join(s.root, "sessions", key)
}

// ReadSessionState loads state.json for a session. Returns nil with no
// error when the snapshot is absent.
func (s *Store) ReadSessionState(key string) (*SessionState, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(key), FileState))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	return &st, nil
}

// WriteSessionState atomically replaces state.json for a session.
func (s *Store) WriteSessionState(key string, st *SessionState) error {
	dir := s.SessionDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return writeAtomic(dir, FileState, st)
}

// AppendLine serializes obj as a single JSON line and appends it to the
// named per-session file. Best-effort durable: the file is synced before
// close.
func (s *Store) AppendLine(key, file string, obj any) error {
	dir := s.SessionDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", file, err)
	}
	return f.Sync()
}

// ReadJSONLines returns up to the last tailN well-formed JSON lines from a
// per-session file. Malformed lines are skipped, not fatal. tailN <= 0
// returns all well-formed lines.
func (s *Store) ReadJSONLines(key, file string, tailN int) ([]json.RawMessage, error) {
	f, err := os.Open(filepath.Join(s.SessionDir(key), file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 || !json.Valid(raw) {
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), raw...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", file, err)
	}
	if tailN > 0 && len(lines) > tailN {
		lines = lines[len(lines)-tailN:]
	}
	return lines, nil
}

// ReadContextTail returns the last tailN transcript entries for a session.
func (s *Store) ReadContextTail(key string, tailN int) ([]ContextEntry, error) {
	raw, err := s.ReadJSONLines(key, FileContext, tailN)
	if err != nil {
		return nil, err
	}
	entries := make([]ContextEntry, 0, len(raw))
	for _, line := range raw {
		var e ContextEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ClearSessionData removes state.json, log.jsonl, and context.jsonl for a
// session, in that order. Idempotent.
func (s *Store) ClearSessionData(key string) error {
	dir := s.SessionDir(key)
	for _, file := range []string{FileState, FileLog, FileContext} {
		if err := os.Remove(filepath.Join(dir, file)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", file, err)
		}
	}
	return nil
}

// ListSessionKeys enumerates sessions that have a directory on disk.
func (s *Store) ListSessionKeys() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// ReadJSON loads a top-level JSON document (e.g. aliases.json,
// tasks/state.json) relative to the data dir. Returns false when absent.
func (s *Store) ReadJSON(rel string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", rel, err)
	}
	return true, nil
}

// WriteJSON atomically replaces a top-level JSON document relative to the
// data dir, creating parent directories as needed.
func (s *Store) WriteJSON(rel string, v any) error {
	path := filepath.Join(s.root, rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return writeAtomic(dir, filepath.Base(path), v)
}

// writeAtomic marshals v and replaces dir/name via temp file + rename.
func writeAtomic(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	cleanup = false
	return nil
}
