package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("auth: empty token")

// TokenFiles names the on-disk locations of the access and refresh tokens.
type TokenFiles struct {
	AccessPath  string
	RefreshPath string
}

func (t TokenFiles) ReadAccess() (string, error) {
	b, err := os.ReadFile(t.AccessPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (t TokenFiles) ReadRefresh() (string, error) {
	b, err := os.ReadFile(t.RefreshPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// FileTokenLoader reads a token from disk and caches the last value. It
// reports whether the value changed since the previous load so callers can
// skip redundant client reconfiguration.
type FileTokenLoader struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

func (l *FileTokenLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		l.cached = ""
		return "", false, ErrEmptyToken
	}

	if token == l.cached {
		return l.cached, false, nil
	}

	l.cached = token
	return token, true, nil
}

// Token implements TokenSource from the file contents.
func (l *FileTokenLoader) Token(context.Context) (string, error) {
	token, _, err := l.Load()
	return token, err
}

// Refresh implements TokenSource by dropping the cache and re-reading the
// file. Rotation itself happens externally by rewriting the file.
func (l *FileTokenLoader) Refresh(context.Context) (string, error) {
	l.SetCached("")
	token, _, err := l.Load()
	return token, err
}

// SetCached pre-populates the cached value, e.g. when starting from a static
// token while still monitoring the file for rotations.
func (l *FileTokenLoader) SetCached(token string) {
	l.mu.Lock()
	l.cached = strings.TrimSpace(token)
	l.mu.Unlock()
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
