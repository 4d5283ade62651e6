package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const KindFS = "fs"

// FS stores artifacts under a directory every participant mounts, such as
// an NFS export.
type FS struct {
	root string
}

var _ Backend = (*FS)(nil)

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &FS{root: root}, nil
}

func (b *FS) Kind() string { return KindFS }

func (b *FS) path(session, name string) string {
	return filepath.Join(b.root, session, name)
}

func (b *FS) Put(_ context.Context, session, name string, r io.Reader) (Handle, error) {
	if err := validate(session, name); err != nil {
		return "", err
	}
	err := writeAtomic(b.path(session, name), func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to store %s/%s: %w", session, name, err)
	}
	return NewHandle(KindFS, session, name), nil
}

func (b *FS) Get(_ context.Context, h Handle, w io.Writer) error {
	session, name, err := parseFor(KindFS, h)
	if err != nil {
		return err
	}
	f, err := os.Open(b.path(session, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (b *FS) List(_ context.Context, session string) ([]Handle, error) {
	if err := ValidateName(session); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(b.root, session))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		// Skip directories and in-flight temp files.
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	handles := make([]Handle, len(names))
	for i, n := range names {
		handles[i] = NewHandle(KindFS, session, n)
	}
	return handles, nil
}

func (b *FS) Cleanup(_ context.Context, session string) error {
	if err := ValidateName(session); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(b.root, session))
}
