package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// ErrArtifactMissing is returned when the engine acknowledged a save but the
// file never appeared.
var ErrArtifactMissing = errors.New("artifact file missing")

// capture asks the engine to write the current page as ext and moves the file
// to dir/fname, or to a hash-named file in dir when fname is empty.
func (p *Pipeline) capture(ctx context.Context, eng Engine, ext, dir, fname string) (*crawler.Artifact, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	if fname != "" && exists(filepath.Join(dir, fname)) {
		return &crawler.Artifact{File: fname, Exists: true}, nil
	}

	tmp := filepath.Join(p.opts.TmpDir, fmt.Sprintf("%s_%d.%s", p.opts.Hostname, eng.Port(), ext))
	_ = os.Remove(tmp)

	save := eng.SaveHTML
	if ext == extPNG {
		save = eng.SaveScreenshot
	}
	if err := save(ctx, tmp); err != nil {
		return nil, fmt.Errorf("save %s: %w", ext, err)
	}
	if err := p.waitForFile(ctx, tmp); err != nil {
		return nil, err
	}

	final := tmp
	if ext == extPNG {
		final = p.compress(ctx, tmp)
	}
	defer func() { _ = os.Remove(final) }()

	artifact := &crawler.Artifact{File: fname}
	if fname == "" {
		sum, err := p.hasher.HashFile(final)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", ext, err)
		}
		artifact = &crawler.Artifact{Hash: sum}
		fname = sum + "." + ext
		if exists(filepath.Join(dir, fname)) {
			artifact.Exists = true
			return artifact, nil
		}
	}
	if err := moveInto(final, dir, fname); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (p *Pipeline) waitForFile(ctx context.Context, path string) error {
	deadline := time.Now().Add(p.opts.FileWait)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if exists(path) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", path, ErrArtifactMissing)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// compress runs the lossy PNG compressor over path and returns the file to
// keep. The original file is kept when compression is disabled or fails.
func (p *Pipeline) compress(ctx context.Context, path string) string {
	if p.opts.Compressor == "" {
		return path
	}
	out := strings.TrimSuffix(path, "."+extPNG) + p.opts.CompressorSuffix + "." + extPNG
	_ = os.Remove(out)
	cmd := exec.CommandContext(ctx, p.opts.Compressor, path) //nolint:gosec // operator configured binary
	if output, err := cmd.CombinedOutput(); err != nil {
		p.logger.Warn("screenshot compression failed, keeping original",
			zap.String("compressor", p.opts.Compressor),
			zap.ByteString("output", output),
			zap.Error(err))
		return path
	}
	if !exists(out) {
		p.logger.Warn("compressor produced no output, keeping original", zap.String("expected", out))
		return path
	}
	_ = os.Remove(path)
	return out
}

// moveInto stages src inside dir under its own name, then renames it to
// name so readers never see a partially written artifact.
func moveInto(src, dir, name string) error {
	staged := filepath.Join(dir, filepath.Base(src))
	if err := os.Rename(src, staged); err != nil {
		if err := copyFile(src, staged); err != nil {
			return err
		}
		_ = os.Remove(src)
	}
	if err := os.Rename(staged, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("move artifact to %s: %w", name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // worker temp file
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // artifact dir
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
