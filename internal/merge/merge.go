package merge

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/utils"
)

var (
	ErrMissingSegment = errors.New("segment file missing")
	ErrIntegrity      = errors.New("merged size mismatch")
)

const mergingSuffix = ".merging"

type Config struct {
	BufferSize     int
	VerifyChecksum bool
	ChecksumAlgo   string // "md5" or "sha256"
	CleanupDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:     utils.DefaultBufferSize,
		VerifyChecksum: true,
		ChecksumAlgo:   "md5",
		CleanupDelay:   5 * time.Second,
	}
}

// Part is one ordered input. ExpectedSize > 0 is the exact length the segment
// must have.
type Part struct {
	Path         string
	ExpectedSize int64
}

type Result struct {
	Success  bool
	Bytes    int64
	Duration time.Duration
	Checksum string
	Err      error
}

func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("merged %d bytes in %s", r.Bytes, r.Duration.Round(time.Millisecond))
}

type Merger struct {
	cfg     Config
	cleaner *Cleaner
}

func NewMerger(cfg Config, cleaner *Cleaner) *Merger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = utils.DefaultBufferSize
	}
	if cleaner == nil {
		cleaner = NewCleaner(DefaultCleanupQueue)
	}
	return &Merger{cfg: cfg, cleaner: cleaner}
}

func (m *Merger) Cleaner() *Cleaner {
	return m.cleaner
}

func (m *Merger) MergeFiles(ctx context.Context, paths []string, outputPath string, expectedSize int64) Result {
	parts := make([]Part, len(paths))
	for i, p := range paths {
		parts[i] = Part{Path: p}
	}
	return m.Merge(ctx, parts, outputPath, expectedSize)
}

// Merge concatenates parts in order into outputPath. The final path only
// ever receives a complete, verified file.
func (m *Merger) Merge(ctx context.Context, parts []Part, outputPath string, expectedSize int64) Result {
	start := time.Now()
	fail := func(err error) Result {
		log.Error().Str("op", "merge/merge").Msgf("merge into %s failed: %v", outputPath, err)
		return Result{Err: err, Duration: time.Since(start)}
	}
	if len(parts) == 0 {
		return fail(errors.New("no segments to merge"))
	}

	sizes, err := validate(parts)
	if err != nil {
		return fail(err)
	}
	var sum int64
	for _, s := range sizes {
		sum += s
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fail(fmt.Errorf("error creating output directory: %w", err))
	}
	tmpPath := outputPath + mergingSuffix
	written, checksum, err := m.writeAll(ctx, parts, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fail(err)
	}
	if written != sum {
		os.Remove(tmpPath)
		return fail(fmt.Errorf("%w: wrote %d bytes, segments hold %d", ErrIntegrity, written, sum))
	}
	if info, err := os.Stat(tmpPath); err != nil || info.Size() != written {
		os.Remove(tmpPath)
		return fail(fmt.Errorf("%w: merged file does not hold %d bytes", ErrIntegrity, written))
	}
	if expectedSize > 0 && expectedSize != written {
		log.Warn().Str("op", "merge/merge").Msgf("expected %d bytes for %s, merged %d", expectedSize, filepath.Base(outputPath), written)
	}

	if err := moveIntoPlace(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fail(err)
	}

	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.Path
	}
	m.cleaner.Schedule(paths, filepath.Dir(parts[0].Path), m.cfg.CleanupDelay)

	res := Result{Success: true, Bytes: written, Duration: time.Since(start), Checksum: checksum}
	log.Info().Str("op", "merge/merge").Msgf("%s: %s", filepath.Base(outputPath), res.Message())
	return res
}

func validate(parts []Part) ([]int64, error) {
	sizes := make([]int64, len(parts))
	for i, p := range parts {
		info, err := os.Stat(p.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingSegment, p.Path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("segment %s is not a regular file", p.Path)
		}
		f, err := os.Open(p.Path)
		if err != nil {
			return nil, fmt.Errorf("segment %s is not readable: %w", p.Path, err)
		}
		f.Close()
		if info.Size() == 0 {
			log.Warn().Str("op", "merge/merge").Msgf("segment %s is empty", filepath.Base(p.Path))
		}
		if p.ExpectedSize > 0 && info.Size() != p.ExpectedSize {
			return nil, fmt.Errorf("%w: segment %s has %d bytes, expected %d", ErrIntegrity, filepath.Base(p.Path), info.Size(), p.ExpectedSize)
		}
		sizes[i] = info.Size()
	}
	return sizes, nil
}

func (m *Merger) newHash() hash.Hash {
	if !m.cfg.VerifyChecksum {
		return nil
	}
	if m.cfg.ChecksumAlgo == "sha256" {
		return sha256.New()
	}
	return md5.New()
}

func (m *Merger) writeAll(ctx context.Context, parts []Part, tmpPath string) (int64, string, error) {
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("error creating merge file: %w", err)
	}
	defer out.Close()

	var dst io.Writer = out
	h := m.newHash()
	if h != nil {
		dst = io.MultiWriter(out, h)
	}
	bw := bufio.NewWriterSize(dst, m.cfg.BufferSize)
	buf := make([]byte, m.cfg.BufferSize)

	var written int64
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return written, "", err
		}
		n, err := copyFile(bw, p.Path, buf)
		written += n
		if err != nil {
			return written, "", err
		}
	}
	if err := bw.Flush(); err != nil {
		return written, "", fmt.Errorf("error flushing merge file: %w", err)
	}
	if err := out.Sync(); err != nil {
		return written, "", fmt.Errorf("error syncing merge file: %w", err)
	}
	if err := out.Close(); err != nil {
		return written, "", fmt.Errorf("error closing merge file: %w", err)
	}
	sum := ""
	if h != nil {
		sum = hex.EncodeToString(h.Sum(nil))
	}
	return written, sum, nil
}

func copyFile(w io.Writer, path string, buf []byte) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("error opening segment: %w", err)
	}
	defer f.Close()
	n, err := io.CopyBuffer(w, f, buf)
	if err != nil {
		return n, fmt.Errorf("error copying segment %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// moveIntoPlace renames src to dst, copying when a rename is not possible.
func moveIntoPlace(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	log.Debug().Str("op", "merge/merge").Msgf("rename failed, copying instead: %v", err)
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening merged file: %w", err)
	}
	defer in.Close()
	staged := dst + ".copy"
	out, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staged)
		return fmt.Errorf("error copying merged file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(staged)
		return fmt.Errorf("error syncing output file: %w", err)
	}
	out.Close()
	if err := os.Rename(staged, dst); err != nil {
		os.Remove(staged)
		return fmt.Errorf("error moving output into place: %w", err)
	}
	in.Close()
	return os.Remove(src)
}
