// Package fs stores export artifacts as files under a local directory. Each
// artifact gets a sidecar <name>.meta JSON file carrying the content type
// and metadata, so listings can be rebuilt without opening payloads.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"histoquant/internal/export"
)

var _ export.ObjectStore = (*Store)(nil)

// Store implements export.ObjectStore on the local filesystem. Keys map to
// relative file paths under the root. Not safe for concurrent writers beyond
// per-file creation.
type Store struct {
	root string
}

// New returns a filesystem-backed artifact store rooted at path, creating
// the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "exports"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the artifact directory.
func (s *Store) Root() string { return s.root }

type sidecar struct {
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	CreatedAt   time.Time      `json:"created_at"`
}

// sanitizeKey forbids absolute keys and path traversal out of the root.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("absolute key %q", key)
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("key %q escapes the root", key)
	}
	return clean, nil
}

func (s *Store) paths(key string) (dataPath, metaPath string, err error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(clean))
	return dataPath, dataPath + ".meta", nil
}

// Put stores a new artifact file. Existing keys are rejected.
func (s *Store) Put(_ context.Context, key string, payload []byte, contentType string, metadata map[string]any) (export.Artifact, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return export.Artifact{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return export.Artifact{}, fmt.Errorf("artifact %s already exists", key)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return export.Artifact{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return export.Artifact{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return export.Artifact{}, err
	}
	if err := tmp.Close(); err != nil {
		return export.Artifact{}, err
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return export.Artifact{}, err
	}
	now := time.Now().UTC()
	meta := sidecar{
		ContentType: contentType,
		Metadata:    cloneMetadata(metadata),
		SizeBytes:   int64(len(payload)),
		CreatedAt:   now,
	}
	if err := writeSidecar(metaPath, meta); err != nil {
		return export.Artifact{}, err
	}
	return s.artifact(key, meta), nil
}

// Get returns the artifact metadata and payload bytes for a key.
func (s *Store) Get(_ context.Context, key string) (export.Artifact, []byte, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return export.Artifact{}, nil, err
	}
	payload, err := os.ReadFile(dataPath)
	if err != nil {
		return export.Artifact{}, nil, err
	}
	meta, err := readSidecar(metaPath)
	if err != nil {
		return export.Artifact{}, nil, err
	}
	return s.artifact(key, meta), payload, nil
}

// Delete removes the artifact and its sidecar; reports whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List walks the root collecting artifacts whose key starts with prefix,
// sorted by key.
func (s *Store) List(_ context.Context, prefix string) ([]export.Artifact, error) {
	var artifacts []export.Artifact
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, ".meta"))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := readSidecar(path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, s.artifact(key, meta))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].ID < artifacts[j].ID })
	return artifacts, nil
}

func (s *Store) artifact(key string, meta sidecar) export.Artifact {
	return export.Artifact{
		ID:          key,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		Metadata:    cloneMetadata(meta.Metadata),
		CreatedAt:   meta.CreatedAt,
		URL:         s.localURL(key),
	}
}

func (s *Store) localURL(key string) string {
	abs, err := filepath.Abs(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		abs = filepath.Join(s.root, filepath.FromSlash(key))
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func writeSidecar(path string, meta sidecar) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o640)
}

func readSidecar(path string) (sidecar, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(payload, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode sidecar %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
