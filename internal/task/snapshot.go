package task

import (
	"path/filepath"

	"github.com/nextlevelbuilder/talon/internal/store"
)

// SnapshotVersion is written forward-only; v1 files are accepted on load
// and rewritten as v2 on the next persist.
const SnapshotVersion = 2

// SnapshotFile is the task snapshot path relative to the data dir.
var SnapshotFile = filepath.Join("tasks", "state.json")

// Snapshot is the durable orchestrator state.
type Snapshot struct {
	Version int       `json:"version"`
	Tasks   []*Record `json:"tasks"`
}

// LoadSnapshot reads and normalizes the task snapshot. Absent file yields
// an empty snapshot. A corrupt file is surfaced as an error so the caller
// can reset and rewrite.
func LoadSnapshot(st *store.Store) (*Snapshot, error) {
	var snap Snapshot
	ok, err := st.ReadJSON(SnapshotFile, &snap)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Snapshot{Version: SnapshotVersion}, nil
	}
	for _, rec := range snap.Tasks {
		NormalizeRecord(rec)
	}
	snap.Version = SnapshotVersion
	return &snap, nil
}

// SaveSnapshot atomically persists the snapshot at the current version.
func SaveSnapshot(st *store.Store, tasks []*Record) error {
	return st.WriteJSON(SnapshotFile, &Snapshot{Version: SnapshotVersion, Tasks: tasks})
}

// NormalizeRecord upgrades a v1 record in place: the legacy `state` field
// becomes `status`, artifacts become non-nil, and a missing assignment is
// derived deterministically. Readers tolerate extra fields; normalization
// never downgrades.
func NormalizeRecord(r *Record) {
	if r.Status == "" && r.State != "" {
		r.Status = r.State
	}
	if !r.Status.Valid() {
		r.Status = StatusQueued
	}
	r.State = r.Status
	if r.Artifacts == nil {
		r.Artifacts = []Artifact{}
	}
	if r.Events == nil {
		r.Events = []Event{}
	}
	if r.AssignedSession == "" {
		r.AssignedSession = DeterministicAssignment(r.RepoID, r.ID, r.Text)
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
}
