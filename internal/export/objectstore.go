package export

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryObjectStore is an in-memory implementation of ObjectStore.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
}

type storedObject struct {
	artifact Artifact
	payload  []byte
}

// NewMemoryObjectStore constructs an in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]storedObject)}
}

// Put stores payload metadata and returns a stub URL for retrieval.
func (s *MemoryObjectStore) Put(_ context.Context, key string, payload []byte, contentType string, metadata map[string]any) (Artifact, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	if _, exists := s.objects[key]; exists {
		s.mu.Unlock()
		return Artifact{}, fmt.Errorf("object %s already exists", key)
	}
	artifact := Artifact{
		ID:          key,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		Metadata:    cloneMetadata(metadata),
		CreatedAt:   now,
		URL:         fmt.Sprintf("https://object-store.local/%s?token=stub", key),
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.objects[key] = storedObject{artifact: artifact, payload: cp}
	s.mu.Unlock()
	return artifact, nil
}

// Get returns the artifact metadata and payload bytes for a key.
func (s *MemoryObjectStore) Get(_ context.Context, key string) (Artifact, []byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return Artifact{}, nil, fmt.Errorf("object %s not found", key)
	}
	payload := make([]byte, len(obj.payload))
	copy(payload, obj.payload)
	artifact := obj.artifact
	artifact.Metadata = cloneMetadata(artifact.Metadata)
	return artifact, payload, nil
}

// Delete removes the object; returns true if it existed.
func (s *MemoryObjectStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	_, existed := s.objects[key]
	if existed {
		delete(s.objects, key)
	}
	s.mu.Unlock()
	return existed, nil
}

// List returns artifacts whose keys start with prefix.
func (s *MemoryObjectStore) List(_ context.Context, prefix string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.objects))
	for key, obj := range s.objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			artifact := obj.artifact
			artifact.Metadata = cloneMetadata(artifact.Metadata)
			out = append(out, artifact)
		}
	}
	return out, nil
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryAuditLog captures audit entries in-memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a defensive copy of recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
