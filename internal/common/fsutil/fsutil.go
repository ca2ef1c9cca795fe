// Package fsutil provides the filesystem port used by components that
// persist state under the OpenGoat home directory. All shared files are
// written atomically (temp file + rename) so a crash never leaves a
// half-written transcript, trace, or index behind.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FS is the filesystem abstraction injected into stateful components.
// OSFS is the production implementation; MemFS backs tests.
type FS interface {
	ReadFile(path string) ([]byte, error)
	// WriteFileAtomic writes data to path via a temp file and rename.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
	// AppendFile appends data to path, creating it if needed.
	AppendFile(path string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.DirEntry, error)
}

// OSFS implements FS on the real filesystem.
type OSFS struct{}

// NewOSFS returns the production filesystem.
func NewOSFS() *OSFS { return &OSFS{} }

func (*OSFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (*OSFS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (*OSFS) AppendFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (*OSFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (*OSFS) Remove(path string) error                     { return os.Remove(path) }
func (*OSFS) RemoveAll(path string) error                  { return os.RemoveAll(path) }
func (*OSFS) Stat(path string) (os.FileInfo, error)        { return os.Stat(path) }
func (*OSFS) ReadDir(path string) ([]os.DirEntry, error)   { return os.ReadDir(path) }

// MemFS is an in-memory FS for tests. Paths are treated as opaque
// slash-separated keys; directories are implicit.
type MemFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

func (m *MemFS) ReadFile(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemFS) WriteFileAtomic(path string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(data))
	copy(out, data)
	m.files[filepath.Clean(path)] = out
	return nil
}

func (m *MemFS) AppendFile(path string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := filepath.Clean(path)
	m.files[key] = append(m.files[key], data...)
	return nil
}

func (m *MemFS) MkdirAll(string, os.FileMode) error { return nil }

func (m *MemFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := filepath.Clean(path)
	if _, ok := m.files[key]; !ok {
		return &os.PathError{Op: "remove", Path: path, Err: os.ErrNotExist}
	}
	delete(m.files, key)
	return nil
}

func (m *MemFS) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := filepath.Clean(path)
	for key := range m.files {
		if key == prefix || strings.HasPrefix(key, prefix+string(filepath.Separator)) {
			delete(m.files, key)
		}
	}
	return nil
}

func (m *MemFS) Stat(path string) (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := filepath.Clean(path)
	if data, ok := m.files[key]; ok {
		return memFileInfo{name: filepath.Base(key), size: int64(len(data))}, nil
	}
	// Implicit directory if any file lives under it.
	for k := range m.files {
		if strings.HasPrefix(k, key+string(filepath.Separator)) {
			return memFileInfo{name: filepath.Base(key), dir: true}, nil
		}
	}
	return nil, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
}

func (m *MemFS) ReadDir(path string) ([]os.DirEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := filepath.Clean(path) + string(filepath.Separator)
	seen := make(map[string]bool)
	var entries []os.DirEntry
	for key := range m.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		name, _, nested := strings.Cut(rest, string(filepath.Separator))
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, memDirEntry{name: name, dir: nested})
	}
	return entries, nil
}

type memFileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi memFileInfo) Name() string       { return fi.name }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return fi.dir }
func (fi memFileInfo) Sys() any           { return nil }

type memDirEntry struct {
	name string
	dir  bool
}

func (e memDirEntry) Name() string               { return e.name }
func (e memDirEntry) IsDir() bool                { return e.dir }
func (e memDirEntry) Type() os.FileMode          { return 0 }
func (e memDirEntry) Info() (os.FileInfo, error) { return memFileInfo{name: e.name, dir: e.dir}, nil }

// ReadJSON unmarshals the JSON file at path into v.
func ReadJSON(fs FS, path string, v any) error {
	data, err := fs.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(fs FS, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
