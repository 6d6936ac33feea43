// Package registry is the durable record of every hosted job: an in-memory
// map written through to a single JSON snapshot file.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/loykin/scripthost/internal/job"
)

// DefaultFileName is the snapshot name inside the data directory.
const DefaultFileName = "jobs.json"

// Registry holds job records keyed by job.Key. Memory is authoritative;
// a failed save leaves memory updated and returns ErrPersistence.
type Registry struct {
	mu   sync.RWMutex
	path string
	recs map[job.Key]job.Record
	log  *slog.Logger

	// held across snapshot and rename so the newest state is written last
	saveMu sync.Mutex
}

// Open loads the snapshot at path. A missing or unreadable snapshot yields
// an empty registry; it never fails.
func Open(path string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{path: path, recs: make(map[job.Key]job.Record), log: log}
	r.load()
	return r
}

func (r *Registry) load() {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("registry unreadable, starting empty", "path", r.path, "error", err)
		}
		return
	}
	var raw map[string]job.Record
	if err := json.Unmarshal(b, &raw); err != nil {
		r.log.Warn("registry corrupt, starting empty", "path", r.path, "error", err)
		return
	}
	for name, rec := range raw {
		k := rec.Key()
		if pk, err := job.ParseKey(name); err == nil && pk != k {
			r.log.Warn("registry entry key mismatch, using record fields", "entry", name, "key", k.String())
		}
		if err := rec.Validate(); err != nil {
			r.log.Warn("registry entry inconsistent", "key", k.String(), "error", err)
		}
		r.recs[k] = rec
	}
	r.log.Debug("registry loaded", "path", r.path, "jobs", len(r.recs))
}

// Path returns the snapshot location.
func (r *Registry) Path() string { return r.path }

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.recs)
}

// Get returns a copy of the record for k.
func (r *Registry) Get(k job.Key) (job.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[k]
	if !ok {
		return job.Record{}, false
	}
	return rec.Clone(), true
}

// ListForOwner returns the owner's records ordered by creation time.
func (r *Registry) ListForOwner(owner int64) []job.Record {
	r.mu.RLock()
	out := make([]job.Record, 0)
	for _, rec := range r.recs {
		if rec.OwnerID == owner {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// All returns every record ordered by creation time.
func (r *Registry) All() []job.Record {
	r.mu.RLock()
	out := make([]job.Record, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

func sortRecords(recs []job.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Key().String() < recs[j].Key().String()
	})
}

// Add inserts a new record and saves.
func (r *Registry) Add(rec job.Record) error {
	r.mu.Lock()
	if _, ok := r.recs[rec.Key()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: %s already registered", rec.Key())
	}
	r.recs[rec.Key()] = rec.Clone()
	r.mu.Unlock()
	return r.Save()
}

// Put replaces or inserts a record and saves.
func (r *Registry) Put(rec job.Record) error {
	r.Stage(rec)
	return r.Save()
}

// Stage replaces or inserts a record without saving. Callers batching
// several updates call Save once afterwards.
func (r *Registry) Stage(rec job.Record) {
	r.mu.Lock()
	r.recs[rec.Key()] = rec.Clone()
	r.mu.Unlock()
}

// Update replaces the record for an existing key and saves. It reports
// false and writes nothing when the key is no longer registered.
func (r *Registry) Update(rec job.Record) (bool, error) {
	if !r.StageExisting(rec) {
		return false, nil
	}
	return true, r.Save()
}

// StageExisting is Stage restricted to keys still registered.
func (r *Registry) StageExisting(rec job.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[rec.Key()]; !ok {
		return false
	}
	r.recs[rec.Key()] = rec.Clone()
	return true
}

// Remove erases a record and saves. Removing an unknown key only saves.
func (r *Registry) Remove(k job.Key) error {
	r.mu.Lock()
	delete(r.recs, k)
	r.mu.Unlock()
	return r.Save()
}

// Save writes the snapshot atomically: temp file, fsync, rename.
func (r *Registry) Save() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	raw := make(map[string]job.Record, len(r.recs))
	for k, rec := range r.recs {
		raw[k.String()] = rec
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return persistErr("marshal snapshot", err)
	}
	if err := writeAtomic(r.path, data); err != nil {
		r.log.Error("registry save failed", "path", r.path, "error", err)
		return persistErr("write snapshot", err)
	}
	return nil
}

func persistErr(op string, err error) error {
	return &job.Error{Kind: job.ErrPersistence, Op: "registry", Detail: op, Err: err}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return err
	}
	return nil
}
