// Package cache keeps the most recently fetched release image per board
// and reuses it while its tag and content hash still hold.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/bigbag/rnode-flasher/internal/atomicfile"
	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/release"
)

const metaFile = "meta.json"

// Index is the remote release index.
type Index interface {
	Release(ctx context.Context, tag string) (*release.Release, error)
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Entry is the persisted record of the cached image for one board.
type Entry struct {
	Board  string `json:"board"`
	Tag    string `json:"tag"`
	SHA256 string `json:"sha256"`
	Path   string `json:"path"`
}

// Result is the outcome of Fetch or Lookup.
type Result struct {
	Path   string
	Tag    string
	SHA256 string
	// Hit is set when the cached file was reused without downloading.
	Hit bool
	// Stale is set when the release index was unreachable and the cached
	// image was used instead.
	Stale bool
}

// ProgressFunc returns a writer that observes a download of total bytes
// (-1 if unknown).
type ProgressFunc func(total int64) io.Writer

// Manager owns the cache directory.
type Manager struct {
	root     string
	index    Index
	logger   *zap.Logger
	progress ProgressFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithProgress reports download progress.
func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) {
		m.progress = fn
	}
}

// New creates a Manager rooted at root. index may be nil for offline use.
func New(root string, index Index, opts ...Option) *Manager {
	m := &Manager{root: root, index: index, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ImagePath returns where the cached image for p lives.
func (m *Manager) ImagePath(p board.Profile) string {
	return filepath.Join(m.root, p.Key, p.MergedFilename)
}

func (m *Manager) metaPath(key string) string {
	return filepath.Join(m.root, key, metaFile)
}

// Entry reads the cache record for a board. It returns nil when nothing is
// cached or the record is unreadable. Records without a path point at the
// board's image in the cache directory.
func (m *Manager) Entry(p board.Profile) *Entry {
	key := p.Key
	data, err := os.ReadFile(m.metaPath(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Cannot read cache record", zap.String("board", key), zap.Error(err))
		}
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		m.logger.Warn("Corrupt cache record, ignoring", zap.String("board", key), zap.Error(err))
		return nil
	}
	if e.Tag == "" || e.SHA256 == "" {
		return nil
	}
	if e.Path == "" {
		e.Path = m.ImagePath(p)
	}
	if e.Board == "" {
		e.Board = key
	}
	return &e
}

// Verify checks the cached file against the recorded hash.
func (m *Manager) Verify(e *Entry) error {
	actual, err := HashFile(e.Path)
	if err != nil {
		return fmt.Errorf("cannot hash cached file: %w", err)
	}
	if actual != e.SHA256 {
		return &IntegrityError{Path: e.Path, Expected: e.SHA256, Actual: actual}
	}
	return nil
}

// Lookup returns the cached image for p without contacting the index.
func (m *Manager) Lookup(p board.Profile) (*Result, error) {
	e := m.Entry(p)
	if e == nil {
		return nil, &NoFirmwareError{Board: p.Key, Err: errors.New("nothing cached")}
	}
	if err := m.Verify(e); err != nil {
		return nil, err
	}
	return &Result{Path: e.Path, Tag: e.Tag, SHA256: e.SHA256, Hit: true}, nil
}

// Fetch resolves tag (latest when empty) against the release index and
// returns a verified local copy of the board's merged image, downloading
// it only when the cache cannot be reused.
func (m *Manager) Fetch(ctx context.Context, p board.Profile, tag string) (*Result, error) {
	log := m.logger.With(zap.String("board", p.Key))
	entry := m.Entry(p)

	if m.index == nil {
		return m.fallback(p, entry, errors.New("offline"))
	}

	rel, err := m.index.Release(ctx, tag)
	if err != nil {
		log.Warn("Could not reach release index", zap.Error(err))
		return m.fallback(p, entry, err)
	}

	if entry != nil {
		if entry.Tag == rel.Tag {
			verr := m.Verify(entry)
			if verr == nil {
				log.Info("Cached firmware is up-to-date", zap.String("tag", rel.Tag))
				return &Result{Path: entry.Path, Tag: entry.Tag, SHA256: entry.SHA256, Hit: true}, nil
			}
			log.Warn("Cache integrity mismatch, re-downloading", zap.Error(verr))
		} else {
			logVersionChange(log, entry.Tag, rel.Tag)
		}
	}

	asset, ok := rel.Asset(p.MergedFilename)
	if !ok {
		return nil, &AssetNotFoundError{Tag: rel.Tag, Asset: p.MergedFilename, Available: rel.AssetNames()}
	}

	return m.download(ctx, p, rel.Tag, asset)
}

func (m *Manager) fallback(p board.Profile, entry *Entry, cause error) (*Result, error) {
	if entry == nil {
		return nil, &NoFirmwareError{Board: p.Key, Err: cause}
	}
	if err := m.Verify(entry); err != nil {
		return nil, &NoFirmwareError{Board: p.Key, Err: err}
	}
	m.logger.Info("Using cached firmware", zap.String("board", p.Key), zap.String("tag", entry.Tag))
	return &Result{Path: entry.Path, Tag: entry.Tag, SHA256: entry.SHA256, Hit: true, Stale: true}, nil
}

func (m *Manager) download(ctx context.Context, p board.Profile, tag string, asset release.Asset) (*Result, error) {
	dir := filepath.Join(m.root, p.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	path := m.ImagePath(p)
	m.logger.Info("Downloading firmware",
		zap.String("board", p.Key),
		zap.String("tag", tag),
		zap.String("asset", asset.Name))

	h := sha256.New()
	var size int64
	err := atomicfile.Write(path, func(w io.Writer) error {
		out := io.MultiWriter(w, h)
		if m.progress != nil {
			total := asset.Size
			if total <= 0 {
				total = -1
			}
			out = io.MultiWriter(out, m.progress(total))
		}
		n, err := m.index.Download(ctx, asset.URL, out)
		size = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", asset.Name, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	entry := Entry{Board: p.Key, Tag: tag, SHA256: sum, Path: path}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicfile.WriteBytes(m.metaPath(p.Key), data); err != nil {
		return nil, fmt.Errorf("failed to write cache record: %w", err)
	}

	m.logger.Info("Downloaded firmware",
		zap.String("board", p.Key),
		zap.Int64("size", size),
		zap.String("sha256", sum))
	return &Result{Path: path, Tag: tag, SHA256: sum}, nil
}

// logVersionChange reports how the remote tag relates to the cached one.
// Ordering is informational only.
func logVersionChange(log *zap.Logger, cached, remote string) {
	if semver.IsValid(cached) && semver.IsValid(remote) {
		switch semver.Compare(remote, cached) {
		case 1:
			log.Info("Newer version available", zap.String("cached", cached), zap.String("remote", remote))
			return
		case -1:
			log.Info("Requested version is older than cached", zap.String("cached", cached), zap.String("remote", remote))
			return
		}
	}
	log.Info("Version changed", zap.String("cached", cached), zap.String("remote", remote))
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
