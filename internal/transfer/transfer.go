// Package transfer moves chapter artifacts between workers and the
// coordinator. A Handle names an artifact independently of the backend
// holding it, so any process can fetch it later.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrInvalidName   = errors.New("invalid artifact name")
	ErrInvalidHandle = errors.New("invalid artifact handle")
	ErrWrongBackend  = errors.New("handle belongs to another backend")
)

// Handle is "{kind}://{session}/{name}".
type Handle string

// NewHandle formats a handle.
func NewHandle(kind, session, name string) Handle {
	return Handle(kind + "://" + session + "/" + name)
}

// Parse splits a handle into its parts.
func (h Handle) Parse() (kind, session, name string, err error) {
	kind, rest, ok := strings.Cut(string(h), "://")
	if !ok || kind == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, h)
	}
	session, name, ok = strings.Cut(rest, "/")
	if !ok || session == "" || name == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, h)
	}
	return kind, session, name, nil
}

func (h Handle) String() string { return string(h) }

// Backend stores artifacts. A Put followed by a Get of the returned handle,
// from any process, yields identical bytes. Cleanup is the only operation
// that deletes.
type Backend interface {
	Kind() string
	Put(ctx context.Context, session, name string, r io.Reader) (Handle, error)
	Get(ctx context.Context, h Handle, w io.Writer) error
	List(ctx context.Context, session string) ([]Handle, error)
	Cleanup(ctx context.Context, session string) error
}

// ValidateName rejects names that could escape a session's namespace.
// ':' separates key segments in the coordination store.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\:"), strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validate(session, name string) error {
	if err := ValidateName(session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return ValidateName(name)
}

// parseFor parses h and checks it belongs to kind.
func parseFor(kind string, h Handle) (session, name string, err error) {
	k, session, name, err := h.Parse()
	if err != nil {
		return "", "", err
	}
	if k != kind {
		return "", "", fmt.Errorf("%w: %s is not %s", ErrWrongBackend, h, kind)
	}
	return session, name, nil
}

// PutBytes stores data.
func PutBytes(ctx context.Context, b Backend, session, name string, data []byte) (Handle, error) {
	return b.Put(ctx, session, name, bytes.NewReader(data))
}

// PutFile stores the file at path.
func PutFile(ctx context.Context, b Backend, session, name, path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return b.Put(ctx, session, name, f)
}

// GetBytes fetches an artifact into memory.
func GetBytes(ctx context.Context, b Backend, h Handle) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Get(ctx, h, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetFile fetches an artifact to dest. dest appears complete or not at all.
func GetFile(ctx context.Context, b Backend, h Handle, dest string) error {
	return writeAtomic(dest, func(w io.Writer) error {
		return b.Get(ctx, h, w)
	})
}

func writeAtomic(dest string, fill func(io.Writer) error) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
