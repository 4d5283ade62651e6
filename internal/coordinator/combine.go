package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/chorus/internal/transfer"
)

const fetchConcurrency = 4

// Combine fetches every artifact, stages it locally and muxes the chapters
// in ascending id order into destination. An empty format is taken from
// the artifact names. It returns the final output path.
func (c *Coordinator) Combine(ctx context.Context, artifacts []Artifact, destination, format string, metadata map[string]string) (string, error) {
	if len(artifacts) == 0 {
		return "", errors.New("no artifacts to combine")
	}
	if c.cfg.Transfer == nil || c.cfg.Muxer == nil {
		return "", errors.New("combining requires a transfer backend and a muxer")
	}

	sorted := append([]Artifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChapterID < sorted[j].ChapterID })

	if format == "" {
		_, _, name, err := sorted[0].Handle.Parse()
		if err != nil {
			return "", err
		}
		format = strings.TrimPrefix(path.Ext(name), ".")
	}

	staging := filepath.Join(c.stagingRoot(), c.session)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	paths := make([]string, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, a := range sorted {
		paths[i] = filepath.Join(staging, fmt.Sprintf("chapter_%04d.%s", a.ChapterID, format))
		g.Go(func() error {
			if err := transfer.GetFile(gctx, c.cfg.Transfer, a.Handle, paths[i]); err != nil {
				return fmt.Errorf("failed to fetch chapter %d: %w", a.ChapterID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	out, err := c.cfg.Muxer.CombineAndExport(ctx, paths, destination, format, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to combine chapters: %w", err)
	}
	c.logger.Info("combined audiobook", "chapters", len(sorted), "output", out)
	return out, nil
}

func (c *Coordinator) stagingRoot() string {
	if c.cfg.StagingDir != "" {
		return c.cfg.StagingDir
	}
	return filepath.Join(os.TempDir(), "chorus-staging")
}
