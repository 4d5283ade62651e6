package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jackzampolin/chorus/internal/store/memstore"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fsb, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	return map[string]Backend{
		KindFS:     fsb,
		KindInline: NewInline(memstore.New(nil), 0, 0),
		KindS3:     NewS3WithClient(newFakeS3(), "books", "chorus/artifacts"),
	}
}

func TestBackends(t *testing.T) {
	ctx := context.Background()

	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			if b.Kind() != kind {
				t.Errorf("Kind() = %s, want %s", b.Kind(), kind)
			}

			t.Run("round trip", func(t *testing.T) {
				data := []byte{0, 1, 2, 255, 'I', 'D', '3'}
				h, err := PutBytes(ctx, b, "s1", "chapter_0001.mp3", data)
				if err != nil {
					t.Fatalf("Put() error = %v", err)
				}
				if h != NewHandle(kind, "s1", "chapter_0001.mp3") {
					t.Errorf("handle = %s", h)
				}
				got, err := GetBytes(ctx, b, h)
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("Get() = %v, want %v", got, data)
				}
			})

			t.Run("overwrite", func(t *testing.T) {
				_, _ = PutBytes(ctx, b, "s1", "chapter_0002.mp3", []byte("first"))
				h, _ := PutBytes(ctx, b, "s1", "chapter_0002.mp3", []byte("second"))
				got, _ := GetBytes(ctx, b, h)
				if string(got) != "second" {
					t.Errorf("Get() = %q, want second", got)
				}
			})

			t.Run("missing", func(t *testing.T) {
				_, err := GetBytes(ctx, b, NewHandle(kind, "s1", "nope.mp3"))
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("Get() error = %v, want ErrNotFound", err)
				}
			})

			t.Run("list and cleanup", func(t *testing.T) {
				for _, n := range []string{"c.mp3", "a.mp3", "b.mp3"} {
					if _, err := PutBytes(ctx, b, "s2", n, []byte(n)); err != nil {
						t.Fatalf("Put(%s) error = %v", n, err)
					}
				}
				_, _ = PutBytes(ctx, b, "s20", "other.mp3", []byte("x"))

				handles, err := b.List(ctx, "s2")
				if err != nil {
					t.Fatalf("List() error = %v", err)
				}
				want := []Handle{
					NewHandle(kind, "s2", "a.mp3"),
					NewHandle(kind, "s2", "b.mp3"),
					NewHandle(kind, "s2", "c.mp3"),
				}
				if len(handles) != len(want) {
					t.Fatalf("List() = %v, want %v", handles, want)
				}
				for i := range want {
					if handles[i] != want[i] {
						t.Errorf("List()[%d] = %s, want %s", i, handles[i], want[i])
					}
				}

				if err := b.Cleanup(ctx, "s2"); err != nil {
					t.Fatalf("Cleanup() error = %v", err)
				}
				if handles, _ := b.List(ctx, "s2"); len(handles) != 0 {
					t.Errorf("List() after cleanup = %v", handles)
				}
				if _, err := GetBytes(ctx, b, NewHandle(kind, "s20", "other.mp3")); err != nil {
					t.Errorf("cleanup touched another session: %v", err)
				}
			})

			t.Run("rejects bad names", func(t *testing.T) {
				for _, n := range []string{"", "..", "../x", "a/b", `a\b`, "a:b"} {
					if _, err := PutBytes(ctx, b, "s1", n, nil); !errors.Is(err, ErrInvalidName) {
						t.Errorf("Put(%q) error = %v, want ErrInvalidName", n, err)
					}
				}
				// A session "s1:x" would share the key prefix of "s1".
				if _, err := PutBytes(ctx, b, "s1:x", "chapter_0001.mp3", nil); !errors.Is(err, ErrInvalidName) {
					t.Errorf("Put() in session s1:x error = %v, want ErrInvalidName", err)
				}
			})

			t.Run("rejects foreign handles", func(t *testing.T) {
				other := "fs"
				if kind == KindFS {
					other = "s3"
				}
				err := b.Get(ctx, NewHandle(other, "s1", "chapter_0001.mp3"), io.Discard)
				if !errors.Is(err, ErrWrongBackend) {
					t.Errorf("Get() error = %v, want ErrWrongBackend", err)
				}
			})
		})
	}
}

func TestHandleParse(t *testing.T) {
	tests := []struct {
		in      Handle
		kind    string
		session string
		name    string
		wantErr bool
	}{
		{in: "fs://s1/chapter_0001.mp3", kind: "fs", session: "s1", name: "chapter_0001.mp3"},
		{in: "inline://abc/x.wav", kind: "inline", session: "abc", name: "x.wav"},
		{in: "s1/chapter.mp3", wantErr: true},
		{in: "fs://s1", wantErr: true},
		{in: "://s1/x", wantErr: true},
	}
	for _, tt := range tests {
		kind, session, name, err := tt.in.Parse()
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (kind != tt.kind || session != tt.session || name != tt.name) {
			t.Errorf("Parse(%q) = %s %s %s", tt.in, kind, session, name)
		}
	}
}

func TestGetFile_Atomic(t *testing.T) {
	ctx := context.Background()
	b := NewInline(memstore.New(nil), 0, 0)
	dir := t.TempDir()
	dest := filepath.Join(dir, "staging", "chapter_0001.mp3")

	if err := GetFile(ctx, b, NewHandle(KindInline, "s1", "missing.mp3"), dest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFile() error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("failed fetch left %s behind", dest)
	}

	h, _ := PutBytes(ctx, b, "s1", "chapter_0001.mp3", []byte("audio"))
	if err := GetFile(ctx, b, h, dest); err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "audio" {
		t.Errorf("file = %q, want audio", got)
	}
}

func TestInline_SizeLimit(t *testing.T) {
	b := NewInline(memstore.New(nil), 0, 4)
	if _, err := PutBytes(context.Background(), b, "s1", "big.mp3", []byte("12345")); err == nil {
		t.Error("Put() over the limit should fail")
	}
}
