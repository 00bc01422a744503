package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileTokenLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loader := NewFileTokenLoader(path)

	token, changed, err := loader.Load()
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if !changed {
		t.Fatalf("first load should report changed")
	}
	if token != "first" {
		t.Fatalf("first token = %q", token)
	}

	token, changed, err = loader.Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if changed {
		t.Fatalf("second load should not report changed")
	}
	if token != "first" {
		t.Fatalf("second token = %q", token)
	}

	if err := os.WriteFile(path, []byte("rotated"), 0o600); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	token, changed, err = loader.Load()
	if err != nil {
		t.Fatalf("third load: %v", err)
	}
	if !changed {
		t.Fatalf("third load should report changed")
	}
	if token != "rotated" {
		t.Fatalf("third token = %q", token)
	}
}

func TestFileTokenLoader_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("\n\n"), 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}

	loader := NewFileTokenLoader(path)
	token, changed, err := loader.Load()
	if !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if token != "" || changed {
		t.Fatalf("empty file produced token=%q changed=%t", token, changed)
	}
}

func TestFileTokenLoader_TokenSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loader := NewFileTokenLoader(path)
	ctx := context.Background()

	token, err := loader.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "abc" {
		t.Fatalf("token = %q", token)
	}

	if err := os.WriteFile(path, []byte("rotated"), 0o600); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	token, err = loader.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token != "rotated" {
		t.Fatalf("refresh token = %q", token)
	}
}

func TestStaticToken(t *testing.T) {
	ctx := context.Background()

	token, err := StaticToken("fixed").Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "fixed" {
		t.Fatalf("token = %q", token)
	}

	if _, err := StaticToken("  ").Token(ctx); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken for blank static token, got %v", err)
	}
	if _, err := StaticToken("fixed").Refresh(ctx); err == nil {
		t.Fatalf("expected refresh of a static token to fail")
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "token")

	if err := atomicWrite(path, []byte("value"), 0o600); err != nil {
		t.Fatalf("atomic write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "value" {
		t.Fatalf("read back %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}
