// Package alias maps human-chosen names to session keys and materializes
// them as filesystem symlinks next to the per-session RPC sockets, so
// external tools can resolve `{alias}.alias -> {sessionId}.sock` without
// consulting the daemon.
package alias

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/talon/internal/store"
)

const aliasFile = "aliases.json"

var (
	// ErrInvalidAlias is returned for names outside ^[a-z0-9._-]{1,64}$
	// after normalization.
	ErrInvalidAlias = errors.New("invalid_alias")
	// ErrNotFound is returned when an alias does not exist.
	ErrNotFound = errors.New("alias_not_found")
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Record is one persisted alias entry.
type Record struct {
	Alias      string    `json:"alias"`
	SessionKey string    `json:"sessionKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SocketResolver reports the live RPC socket path for a session, if the
// session currently holds one, and the directory all session sockets and
// alias links live in.
type SocketResolver interface {
	SocketPath(sessionKey string) (string, bool)
	SocketDir() string
}

// Registry is the in-memory alias map backed by aliases.json.
type Registry struct {
	mu      sync.Mutex
	aliases map[string]Record
	store   *store.Store
	sockets SocketResolver // nil until the control plane attaches
}

// NewRegistry loads the persisted alias map.
func NewRegistry(st *store.Store) (*Registry, error) {
	r := &Registry{
		aliases: make(map[string]Record),
		store:   st,
	}
	if _, err := st.ReadJSON(aliasFile, &r.aliases); err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	if r.aliases == nil {
		r.aliases = make(map[string]Record)
	}
	return r, nil
}

// AttachSockets wires the live-socket resolver. Symlinks track socket
// lifetime: created when the session holds a socket, unlinked when it
// does not.
func (r *Registry) AttachSockets(res SocketResolver) {
	r.mu.Lock()
	r.sockets = res
	r.mu.Unlock()
}

// Normalize lowercases and trims an alias name.
func Normalize(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// IsValid reports whether a normalized alias matches the allowed pattern.
func IsValid(a string) bool {
	return aliasPattern.MatchString(a)
}

// Set creates or replaces an alias. If the target is itself an existing
// alias it is resolved one hop so chains never form.
func (r *Registry) Set(name, sessionKey string) (Record, error) {
	name = Normalize(name)
	if !IsValid(name) {
		return Record{}, ErrInvalidAlias
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Single-hop resolution: pointing an alias at another alias binds it
	// to that alias's session instead.
	if target, ok := r.aliases[Normalize(sessionKey)]; ok {
		sessionKey = target.SessionKey
	}

	rec := Record{Alias: name, SessionKey: sessionKey, CreatedAt: time.Now().UTC()}
	r.aliases[name] = rec
	if err := r.persistLocked(); err != nil {
		return Record{}, err
	}
	r.refreshSymlinkLocked(rec)
	return rec, nil
}

// Remove deletes an alias and its symlink. Returns the previous record.
func (r *Registry) Remove(name string) (*Record, error) {
	name = Normalize(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.aliases[name]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.aliases, name)
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	r.removeSymlinkLocked(rec)
	return &rec, nil
}

// Resolve returns the session key an alias points to.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.aliases[Normalize(name)]
	if !ok {
		return "", false
	}
	return rec.SessionKey, true
}

// List returns all alias records sorted by name.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.aliases))
	for _, rec := range r.aliases {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// AliasesForSession returns every alias pointing at a session key.
func (r *Registry) AliasesForSession(sessionKey string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.aliases {
		if rec.SessionKey == sessionKey {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// SyncSession refreshes symlinks for every alias of a session. Called by
// the control plane when a session socket appears or disappears.
func (r *Registry) SyncSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.aliases {
		if rec.SessionKey == sessionKey {
			r.refreshSymlinkLocked(rec)
		}
	}
}

func (r *Registry) persistLocked() error {
	if err := r.store.WriteJSON(aliasFile, r.aliases); err != nil {
		return fmt.Errorf("persist aliases: %w", err)
	}
	return nil
}

// refreshSymlinkLocked points {alias}.alias at the session's live socket,
// or unlinks it when the session holds no socket: a link must never
// outlive its target. Link targets are relative so the socket directory
// can be relocated as a unit.
func (r *Registry) refreshSymlinkLocked(rec Record) {
	if r.sockets == nil {
		return
	}
	link := filepath.Join(r.sockets.SocketDir(), rec.Alias+".alias")
	sockPath, ok := r.sockets.SocketPath(rec.SessionKey)
	if !ok {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			slog.Warn("alias symlink removal failed", "alias", rec.Alias, "error", err)
		}
		return
	}
	os.Remove(link)
	if err := os.Symlink(filepath.Base(sockPath), link); err != nil {
		slog.Warn("alias symlink failed", "alias", rec.Alias, "error", err)
	}
}

func (r *Registry) removeSymlinkLocked(rec Record) {
	if r.sockets == nil {
		return
	}
	link := filepath.Join(r.sockets.SocketDir(), rec.Alias+".alias")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		slog.Warn("alias symlink removal failed", "alias", rec.Alias, "error", err)
	}
}

func sortRecords(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Alias < recs[j-1].Alias; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
