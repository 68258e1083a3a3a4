// Package pointer manages the next-image symlinks consumed at boot.
package pointer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/barawn/software-pueo-turf/internal/hsk"
	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/barawn/software-pueo-turf/internal/tools"
	"github.com/rs/zerolog"
)

// Validator checks a candidate target and returns its metadata.
type Validator interface {
	Validate(ctx context.Context, target string) (string, error)
}

// RegularFile accepts any existing regular file and reports no metadata.
type RegularFile struct{}

func (RegularFile) Validate(_ context.Context, target string) (string, error) {
	return "", checkRegular(target)
}

// DefaultProbeTimeout bounds one unsquashfs run.
const DefaultProbeTimeout = 5 * time.Second

// Squashfs accepts regular files that unsquashfs can read a filesystem
// timestamp from. The timestamp is the metadata. Each probe is bounded by
// Timeout (DefaultProbeTimeout when zero).
type Squashfs struct {
	Runner  tools.CommandRunner
	Timeout time.Duration
}

func (s Squashfs) Validate(ctx context.Context, target string) (string, error) {
	if err := checkRegular(target); err != nil {
		return "", err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, _, code, err := s.Runner.Run(ctx, "unsquashfs", "-fstime", target)
	if err != nil || code != 0 {
		return "", fmt.Errorf("unsquashfs -fstime %s: exit=%d: %v", target, code, err)
	}
	ts := strings.TrimRight(string(out), "\r\n")
	if ts == "" {
		return "", fmt.Errorf("unsquashfs -fstime %s: no timestamp", target)
	}
	return ts, nil
}

func checkRegular(target string) error {
	fi, err := os.Stat(target)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", target)
	}
	return nil
}

// Store is one symlink at a fixed path. It implements hsk.PointerStore.
type Store struct {
	path     string
	validate Validator
	log      zerolog.Logger
}

var _ hsk.PointerStore = (*Store)(nil)

func New(path string, v Validator) *Store {
	if v == nil {
		v = RegularFile{}
	}
	return &Store{
		path:     path,
		validate: v,
		log:      observability.Component("pointer").With().Str("pointer", path).Logger(),
	}
}

func (s *Store) Path() string { return s.path }

// Get returns the current target, or an empty Pointer when unset. A plain
// file squatting on the path is removed.
func (s *Store) Get(ctx context.Context) (hsk.Pointer, error) {
	fi, err := os.Lstat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return hsk.Pointer{}, nil
	}
	if err != nil {
		return hsk.Pointer{}, fmt.Errorf("pointer: stat %s: %w", s.path, err)
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		s.log.Error().Msg("pointer is not a symlink, deleting it")
		if err := os.Remove(s.path); err != nil {
			return hsk.Pointer{}, fmt.Errorf("pointer: remove %s: %w", s.path, err)
		}
		return hsk.Pointer{}, nil
	}
	target, err := os.Readlink(s.path)
	if err != nil {
		return hsk.Pointer{}, fmt.Errorf("pointer: readlink %s: %w", s.path, err)
	}
	meta, err := s.validate.Validate(ctx, target)
	if err != nil {
		s.log.Warn().Err(err).Str("target", target).Msg("current target no longer validates")
	}
	return hsk.Pointer{Target: target, Meta: meta}, nil
}

// Set validates target and atomically repoints the symlink at it. On
// validation failure the existing link is untouched and the error matches
// hsk.ErrInvalidTarget.
func (s *Store) Set(ctx context.Context, target string) (hsk.Pointer, error) {
	meta, err := s.validate.Validate(ctx, target)
	if err != nil {
		return hsk.Pointer{}, fmt.Errorf("%w: %v", hsk.ErrInvalidTarget, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return hsk.Pointer{}, fmt.Errorf("pointer: mkdir: %w", err)
	}
	tmp := s.path + ".tmp" + strconv.Itoa(os.Getpid())
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return hsk.Pointer{}, fmt.Errorf("pointer: symlink: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return hsk.Pointer{}, fmt.Errorf("pointer: replace %s: %w", s.path, err)
	}
	s.log.Info().Str("target", target).Msg("pointer set")
	return hsk.Pointer{Target: target, Meta: meta}, nil
}

// Clear removes the symlink. Clearing an unset pointer is not an error.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pointer: remove %s: %w", s.path, err)
	}
	s.log.Info().Msg("pointer cleared")
	return nil
}
