package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// File stores the snapshot as a JSON document. Saves write a temp file in
// the same directory, fsync it and rename it over the target, so a crash
// leaves either the old or the new document.
type File struct {
	Path string
}

// NewFile creates a file backend.
func NewFile(path string) *File {
	return &File{Path: strings.TrimSpace(path)}
}

func (b *File) Load(_ context.Context) (*bridge.Snapshot, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return &bridge.Snapshot{Sources: map[string]bridge.SourceSnapshot{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", b.Path, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Path, err)
	}
	return snap, nil
}

func (b *File) Save(_ context.Context, snap *bridge.Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(b.Path, data, 0o600); err != nil {
		return fmt.Errorf("write state %s: %w", b.Path, err)
	}
	return nil
}

func (b *File) Close() error { return nil }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
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
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
