package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

// FileStore keeps artifacts under a local directory.
type FileStore struct {
	root string
}

// NewFileStore creates root when missing.
func NewFileStore(root string) (*FileStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("artifact directory is required")
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact directory: %w", err)
	}
	if err := os.MkdirAll(absolute, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FileStore{root: absolute}, nil
}

// Put writes data atomically and returns a file:// reference relative to the root.
func (store *FileStore) Put(ctx context.Context, key string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	target := store.path(cleaned)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	temporaryName := temporary.Name()
	if _, err := temporary.Write(data); err != nil {
		_ = temporary.Close()
		_ = os.Remove(temporaryName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := temporary.Close(); err != nil {
		_ = os.Remove(temporaryName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(temporaryName, target); err != nil {
		_ = os.Remove(temporaryName)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return fileScheme + cleaned, nil
}

// Open returns a reader for ref.
func (store *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := store.keyFromRef(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(store.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return file, nil
}

// Delete removes ref; a missing file is not an error.
func (store *FileStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := store.keyFromRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(store.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (store *FileStore) keyFromRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, fileScheme) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	key, err := cleanKey(strings.TrimPrefix(ref, fileScheme))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return key, nil
}

func (store *FileStore) path(key string) string {
	return filepath.Join(store.root, filepath.FromSlash(key))
}
