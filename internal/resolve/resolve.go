// Package resolve picks the firmware image for a session by trying an
// ordered list of sources until one produces a file.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/cache"
	"github.com/bigbag/rnode-flasher/internal/image"
)

// ErrNoFirmware is returned when every strategy came up empty.
var ErrNoFirmware = errors.New("no firmware found")

// Candidate is a resolved firmware file.
type Candidate struct {
	Path   string
	Source string
	// Tag is the release tag when the file came from a release.
	Tag string
}

// Strategy is one firmware source. Resolve returns nil, nil when the
// source has nothing to offer; an error aborts the chain.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context) (*Candidate, error)
}

// NoFirmwareError lists the sources that were tried.
type NoFirmwareError struct {
	Tried []string
}

func (e *NoFirmwareError) Error() string {
	return fmt.Sprintf("no firmware found (tried: %s)", strings.Join(e.Tried, ", "))
}

func (e *NoFirmwareError) Is(target error) bool { return target == ErrNoFirmware }

// Chain tries strategies in priority order.
type Chain struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewChain creates a chain.
func NewChain(logger *zap.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{strategies: strategies, logger: logger}
}

// Names returns the strategy names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve returns the first candidate any strategy produces.
func (c *Chain) Resolve(ctx context.Context) (*Candidate, error) {
	for _, s := range c.strategies {
		cand, err := s.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
		if cand != nil {
			c.logger.Info("Resolved firmware",
				zap.String("source", cand.Source),
				zap.String("path", cand.Path),
				zap.String("tag", cand.Tag))
			return cand, nil
		}
		c.logger.Debug("Firmware source empty", zap.String("source", s.Name()))
	}
	return nil, &NoFirmwareError{Tried: c.Names()}
}

// File is an explicitly given firmware file. It must exist.
type File struct {
	Path string
}

func (s File) Name() string { return "file" }

func (s File) Resolve(ctx context.Context) (*Candidate, error) {
	if !isFile(s.Path) {
		return nil, fmt.Errorf("file not found: %s", s.Path)
	}
	return &Candidate{Path: s.Path, Source: s.Name()}, nil
}

// Remote fetches a release through the cache. Index and download failures
// are logged and let the chain fall through to local sources.
type Remote struct {
	Cache   *cache.Manager
	Profile board.Profile
	Tag     string
	Logger  *zap.Logger
}

func (s Remote) Name() string { return "release" }

func (s Remote) Resolve(ctx context.Context) (*Candidate, error) {
	res, err := s.Cache.Fetch(ctx, s.Profile, s.Tag)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("Release fetch failed, falling back to local firmware", zap.Error(err))
		}
		return nil, nil
	}
	return &Candidate{Path: res.Path, Source: s.Name(), Tag: res.Tag}, nil
}

// Cached uses the cached release image without contacting the index. A
// cache whose content no longer matches its hash is an error.
type Cached struct {
	Cache   *cache.Manager
	Profile board.Profile
}

func (s Cached) Name() string { return "cache" }

func (s Cached) Resolve(ctx context.Context) (*Candidate, error) {
	res, err := s.Cache.Lookup(s.Profile)
	if errors.Is(err, cache.ErrNoFirmwareAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Candidate{Path: res.Path, Source: s.Name(), Tag: res.Tag}, nil
}

// LocalBuild uses the application binary from the PlatformIO build output.
type LocalBuild struct {
	ProjectDir string
	Profile    board.Profile
}

func (s LocalBuild) Name() string { return "build" }

func (s LocalBuild) Resolve(ctx context.Context) (*Candidate, error) {
	path := AppBinary(s.ProjectDir, s.Profile)
	if !isFile(path) {
		return nil, nil
	}
	return &Candidate{Path: path, Source: s.Name()}, nil
}

// LocalMerged uses a previously merged binary in Dir.
type LocalMerged struct {
	Dir     string
	Profile board.Profile
}

func (s LocalMerged) Name() string { return "merged" }

func (s LocalMerged) Resolve(ctx context.Context) (*Candidate, error) {
	path := filepath.Join(s.Dir, s.Profile.MergedFilename)
	if !isFile(path) {
		return nil, nil
	}
	return &Candidate{Path: path, Source: s.Name()}, nil
}

// BuildMerged produces a merged binary from the PlatformIO build output,
// re-merging when the build is newer than an existing merged file.
type BuildMerged struct {
	ProjectDir string
	OutputDir  string
	Profile    board.Profile
	Locator    Locator
	Logger     *zap.Logger
}

func (s BuildMerged) Name() string { return "build+merge" }

func (s BuildMerged) Resolve(ctx context.Context) (*Candidate, error) {
	app := AppBinary(s.ProjectDir, s.Profile)
	appInfo, err := os.Stat(app)
	if err != nil {
		return nil, nil
	}

	out := filepath.Join(s.OutputDir, s.Profile.MergedFilename)
	if info, err := os.Stat(out); err == nil && !appInfo.ModTime().After(info.ModTime()) {
		return &Candidate{Path: out, Source: s.Name()}, nil
	}

	if s.Logger != nil {
		s.Logger.Info("Merging build output", zap.String("app", app), zap.String("output", out))
	}
	c := s.Locator.Find(s.Profile)
	c.App = app
	if _, err := image.Merge(out, c); err != nil {
		return nil, err
	}
	return &Candidate{Path: out, Source: s.Name()}, nil
}

// AppBinary returns the PlatformIO build output path of p's application.
func AppBinary(projectDir string, p board.Profile) string {
	return filepath.Join(projectDir, p.BuildDir, p.FirmwareBin)
}
