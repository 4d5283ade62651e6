package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackzampolin/chorus/internal/synth"
)

// Muxer combines chapter files, in the given order, into one output file.
type Muxer interface {
	CombineAndExport(ctx context.Context, paths []string, output, format string, metadata map[string]string) (string, error)
}

// NewMuxer returns an ffmpeg muxer when ffmpeg is installed and a
// byte-level muxer otherwise.
func NewMuxer(ff synth.FFmpeg) Muxer {
	if ff.Available() {
		return FFmpegMuxer{FFmpeg: ff}
	}
	return ConcatMuxer{}
}

// FFmpegMuxer copies streams with the concat demuxer and writes metadata
// tags into the container.
type FFmpegMuxer struct {
	FFmpeg synth.FFmpeg
}

func (m FFmpegMuxer) CombineAndExport(ctx context.Context, paths []string, output, format string, metadata map[string]string) (string, error) {
	output = withExt(output, format)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}

	args := []string{"-c", "copy"}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-metadata", k+"="+metadata[k])
	}

	if err := m.FFmpeg.Concat(ctx, paths, output, args...); err != nil {
		return "", err
	}
	return output, nil
}

// ConcatMuxer joins files without ffmpeg. WAV is re-encoded natively and
// MP3 frames are appended; metadata is dropped.
type ConcatMuxer struct{}

func (ConcatMuxer) CombineAndExport(ctx context.Context, paths []string, output, format string, _ map[string]string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("no chapter files to combine")
	}
	output = withExt(output, format)

	parts := make([][]byte, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, data)
	}

	var out []byte
	switch format {
	case "wav":
		joined, err := synth.JoinWAV(parts)
		if err != nil {
			return "", err
		}
		out = joined
	case "mp3":
		for _, p := range parts {
			out = append(out, p...)
		}
	default:
		return "", fmt.Errorf("%w: %s needs ffmpeg", synth.ErrCannotJoin, format)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return "", err
	}
	return output, nil
}

func withExt(path, format string) string {
	if format == "" || strings.EqualFold(filepath.Ext(path), "."+format) {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + format
}
