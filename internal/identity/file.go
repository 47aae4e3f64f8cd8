package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileKV stores values in a small YAML document on disk:
//
//	rag-session-storage: session_1767366245000_k3j9x0a1b
//
// Writes go to a temporary file that is renamed over the document, so a crash
// never leaves a truncated file behind.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV returns a FileKV backed by path. The file and its directory are
// created on the first Put.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

// Get implements [KV].
func (f *FileKV) Get(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := doc[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Put implements [KV].
func (f *FileKV) Put(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	doc[name] = value

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("identity: encode %s: %w", f.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("identity: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".identity-*.yaml")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("identity: replace %s: %w", f.path, err)
	}
	return nil
}

// load reads the document. A missing or empty file is an empty document.
// Must be called with f.mu held.
func (f *FileKV) load() (map[string]string, error) {
	doc := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", f.path, err)
	}
	return doc, nil
}
