// Package artifacts provides content-addressed storage for materialized
// representations. Blobs are keyed by SHA-256 digest, so writes are
// idempotent and a digest recorded on a MaterializationRecord always
// resolves to exactly the bytes that were authorized.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/weftlabs/weft/core/pkg/canonicalize"
	"github.com/weftlabs/weft/core/pkg/contracts"
)

// BlobStore is the contract for representation payload storage.
type BlobStore interface {
	// Put persists data and returns its digest ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the payload for a digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether the digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete removes the payload. Deleting a missing digest is a no-op.
	Delete(ctx context.Context, digest string) error
}

const digestPrefix = "sha256:"

// Digest computes the store key for a payload.
func Digest(data []byte) string {
	return digestPrefix + canonicalize.HashBytes(data)
}

// parseDigest validates and strips the "sha256:" prefix.
func parseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", contracts.Validationf("digest %q lacks sha256 prefix", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", contracts.Validationf("digest %q is not hex: %v", digest, err)
	}
	return raw, nil
}

// MemoryStore keeps blobs in process memory. Used by tests and as the
// default for single-node development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[digest]; !ok {
		s.blobs[digest] = append([]byte(nil), data...)
	}
	return digest, nil
}

func (s *MemoryStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if _, err := parseDigest(digest); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", digest, contracts.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, digest string) (bool, error) {
	if _, err := parseDigest(digest); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, digest string) error {
	if _, err := parseDigest(digest); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, digest)
	return nil
}

// FileStore persists blobs on the local filesystem, one file per digest.
// Writes go to a temp file first so a crash never leaves a partial blob
// under its final name.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(rawDigest string) string {
	return filepath.Join(s.baseDir, rawDigest+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw, _ := parseDigest(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", digest, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, digest string) error {
	raw, err := parseDigest(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
