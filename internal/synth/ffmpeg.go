package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var ErrFFmpegUnavailable = errors.New("ffmpeg not found in PATH")

// FFmpeg runs the ffmpeg and ffprobe binaries. Empty paths are looked up
// in PATH.
type FFmpeg struct {
	Bin      string
	ProbeBin string
}

func (f FFmpeg) bin() string {
	if f.Bin != "" {
		return f.Bin
	}
	return "ffmpeg"
}

func (f FFmpeg) probeBin() string {
	if f.ProbeBin != "" {
		return f.ProbeBin
	}
	return "ffprobe"
}

// Available reports whether ffmpeg can be executed.
func (f FFmpeg) Available() bool {
	_, err := exec.LookPath(f.bin())
	return err == nil
}

// Concat joins inputs into outputPath with the concat demuxer. Extra args
// are placed before the output path (metadata, codec flags).
func (f FFmpeg) Concat(ctx context.Context, inputs []string, outputPath string, extra ...string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no input files provided")
	}
	if !f.Available() {
		return ErrFFmpegUnavailable
	}

	listPath := outputPath + ".txt"
	lines := make([]string, 0, len(inputs))
	for _, in := range inputs {
		// The concat demuxer needs quotes escaped.
		lines = append(lines, fmt.Sprintf("file '%s'", strings.ReplaceAll(in, "'", "'\\''")))
	}
	if err := os.WriteFile(listPath, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{"-f", "concat", "-safe", "0", "-i", listPath}
	if len(extra) == 0 {
		args = append(args, "-c", "copy")
	}
	args = append(args, extra...)
	args = append(args, "-y", outputPath)

	out, err := exec.CommandContext(ctx, f.bin(), args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, out)
	}
	return nil
}

// Probe returns the duration of an audio file.
func (f FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, f.probeBin(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var secs float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &secs); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
