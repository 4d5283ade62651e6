package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var ErrCannotJoin = errors.New("cannot join audio segments")

// Joiner turns a chapter's segment clips into one chapter clip.
type Joiner struct {
	FFmpeg  FFmpeg
	TempDir string
	Logger  *slog.Logger
}

// Join concatenates clips in order. WAV clips are joined natively, other
// formats go through ffmpeg. MP3 frames are self-delimiting, so MP3 falls
// back to byte concatenation when ffmpeg is missing.
func (j *Joiner) Join(ctx context.Context, clips []*Clip) (*Clip, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("%w: no clips", ErrCannotJoin)
	}
	if len(clips) == 1 {
		return clips[0], nil
	}

	format := clips[0].Format
	var total time.Duration
	for i, c := range clips {
		if c.Format != format {
			return nil, fmt.Errorf("%w: clip %d is %s, want %s", ErrCannotJoin, i, c.Format, format)
		}
		total += c.Duration
	}

	switch {
	case format == "wav":
		parts := make([][]byte, len(clips))
		for i, c := range clips {
			parts[i] = c.Audio
		}
		audio, err := JoinWAV(parts)
		if err != nil {
			return nil, err
		}
		d, err := WAVDuration(audio)
		if err != nil {
			d = total
		}
		return &Clip{Audio: audio, Format: format, Duration: d}, nil

	case j.FFmpeg.Available():
		return j.joinFFmpeg(ctx, clips, total)

	case format == "mp3":
		var buf bytes.Buffer
		for _, c := range clips {
			buf.Write(c.Audio)
		}
		return &Clip{Audio: buf.Bytes(), Format: format, Duration: total}, nil

	default:
		return nil, fmt.Errorf("%w: %s needs ffmpeg: %w", ErrCannotJoin, format, ErrFFmpegUnavailable)
	}
}

func (j *Joiner) joinFFmpeg(ctx context.Context, clips []*Clip, estimate time.Duration) (*Clip, error) {
	dir, err := os.MkdirTemp(j.TempDir, "chorus-join-")
	if err != nil {
		return nil, fmt.Errorf("failed to create join dir: %w", err)
	}
	defer os.RemoveAll(dir)

	format := clips[0].Format
	inputs := make([]string, len(clips))
	for i, c := range clips {
		inputs[i] = filepath.Join(dir, fmt.Sprintf("segment_%05d.%s", i, format))
		if err := os.WriteFile(inputs[i], c.Audio, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write segment %d: %w", i, err)
		}
	}

	out := filepath.Join(dir, "chapter."+format)
	if err := j.FFmpeg.Concat(ctx, inputs, out); err != nil {
		return nil, err
	}
	audio, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read joined chapter: %w", err)
	}

	d, err := j.FFmpeg.Probe(ctx, out)
	if err != nil {
		j.logger().Debug("ffprobe unavailable, using estimated duration", "error", err)
		d = estimate
	}
	return &Clip{Audio: audio, Format: format, Duration: d}, nil
}

func (j *Joiner) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
