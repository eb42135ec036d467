package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
)

// Store is the concurrency-safe PodRecord table shared by the watch
// ingestor, the reconciliation workers, the status reporter and the
// node-agent API server. The store mutex guards the maps; each record's
// own lock guards its fields, so the watcher and the readers never race
// on record state.
type Store struct {
	mu      sync.RWMutex
	records map[types.UID]*models.PodRecord
	byKey   map[string]types.UID
}

// NewStore creates an empty record table.
func NewStore() *Store {
	return &Store{
		records: make(map[types.UID]*models.PodRecord),
		byKey:   make(map[string]types.UID),
	}
}

// Upsert records the latest desired spec for a Pod, creating the record on
// first sight. Returns the record's UID.
func (s *Store) Upsert(pod *corev1.Pod) types.UID {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[pod.UID]
	if !ok {
		rec = models.NewPodRecord(pod)
		s.records[pod.UID] = rec
		s.byKey[rec.Key()] = pod.UID
	}

	rec.Mu.Lock()
	rec.Pod = pod
	rec.SpecHash = hashPodSpec(pod)
	if pod.DeletionTimestamp != nil && !rec.Deleted {
		rec.Deleted = true
		rec.DeletedAt = time.Now()
	}
	rec.Mu.Unlock()
	return pod.UID
}

// MarkDeleted flags a record for teardown. Unknown UIDs are ignored.
func (s *Store) MarkDeleted(uid types.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uid]
	if !ok {
		return
	}
	rec.Mu.Lock()
	if !rec.Deleted {
		rec.Deleted = true
		rec.DeletedAt = time.Now()
	}
	rec.Mu.Unlock()
}

// Get returns the record for a UID, or nil.
func (s *Store) Get(uid types.UID) *models.PodRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[uid]
}

// GetByName returns the record for a namespace/name, or nil.
func (s *Store) GetByName(namespace, name string) *models.PodRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.byKey[namespace+"/"+name]
	if !ok {
		return nil
	}
	return s.records[uid]
}

// Remove drops a record once its actors are torn down.
func (s *Store) Remove(uid types.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[uid]; ok {
		delete(s.byKey, rec.Key())
		delete(s.records, uid)
	}
}

// List returns a snapshot of all records.
func (s *Store) List() []*models.PodRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PodRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// UIDs returns the UIDs of all tracked records.
func (s *Store) UIDs() []types.UID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.UID, 0, len(s.records))
	for uid := range s.records {
		out = append(out, uid)
	}
	return out
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ActorCount returns the number of live actor handles across all records.
func (s *Store) ActorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		rec.Mu.RLock()
		n += len(rec.Handles)
		rec.Mu.RUnlock()
	}
	return n
}

// PortInUse reports whether a host port is already held by an actor of a
// different Pod. At most one actor may serve a given node port.
func (s *Store) PortInUse(port int32, owner types.UID) bool {
	if port == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for uid, rec := range s.records {
		if uid == owner {
			continue
		}
		rec.Mu.RLock()
		for _, h := range rec.Handles {
			if h.HTTPPort == port {
				rec.Mu.RUnlock()
				return true
			}
		}
		rec.Mu.RUnlock()
	}
	return false
}

// Snapshot returns the desired pod, its spec generation hash and the
// deletion flag in one consistent read.
func (s *Store) Snapshot(uid types.UID) (pod *corev1.Pod, specHash string, deleted bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, found := s.records[uid]
	if !found {
		return nil, "", false, false
	}
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	return rec.Pod, rec.SpecHash, rec.Deleted, true
}

// hashPodSpec digests the parts of the Pod that define a spec generation.
// The JSON encoding is deterministic (fixed struct field order, sorted map
// keys) and dereferences pointers, so redeliveries of an identical spec
// hash identically. Status-only updates do not change it.
func hashPodSpec(pod *corev1.Pod) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	// Encoding the API types cannot fail.
	_ = enc.Encode(pod.Spec)
	_ = enc.Encode(pod.Annotations)
	return hex.EncodeToString(h.Sum(nil))
}
