// Package board holds the static table of supported boards and their flash
// geometry.
package board

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/rnode-flasher/embedded"
)

// ErrUnknownBoard is matched by every *UnknownBoardError.
var ErrUnknownBoard = errors.New("unknown board")

// UnknownBoardError is returned when a board key is not registered.
type UnknownBoardError struct {
	Key   string
	Known []string
}

func (e *UnknownBoardError) Error() string {
	return fmt.Sprintf("unknown board %q (known: %s)", e.Key, strings.Join(e.Known, ", "))
}

func (e *UnknownBoardError) Is(target error) bool {
	return target == ErrUnknownBoard
}

// Profile describes one supported board.
type Profile struct {
	Key            string `yaml:"-"`
	Name           string `yaml:"name"`
	PIOEnv         string `yaml:"pio_env"`
	BuildDir       string `yaml:"build_dir"`
	FirmwareBin    string `yaml:"firmware_bin"`
	MergedFilename string `yaml:"merged_filename"`
	FlashSize      string `yaml:"flash_size"`
	BaudRate       int    `yaml:"baud_rate"`
}

// FlashBytes returns the total flash size in bytes, or 0 if FlashSize
// cannot be parsed.
func (p Profile) FlashBytes() int64 {
	n, err := ParseFlashSize(p.FlashSize)
	if err != nil {
		return 0
	}
	return n
}

// Registry is an immutable set of board profiles.
type Registry struct {
	def    string
	boards map[string]Profile
}

type registryFile struct {
	Default string             `yaml:"default"`
	Boards  map[string]Profile `yaml:"boards"`
}

// Parse decodes a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse board table: %w", err)
	}
	if len(f.Boards) == 0 {
		return nil, fmt.Errorf("board table is empty")
	}

	r := &Registry{def: f.Default, boards: make(map[string]Profile, len(f.Boards))}
	for key, p := range f.Boards {
		p.Key = key
		if p.MergedFilename == "" || p.FirmwareBin == "" {
			return nil, fmt.Errorf("board %q: binary names are required", key)
		}
		if _, err := ParseFlashSize(p.FlashSize); err != nil {
			return nil, fmt.Errorf("board %q: %w", key, err)
		}
		if p.BaudRate <= 0 {
			return nil, fmt.Errorf("board %q: invalid baud rate %d", key, p.BaudRate)
		}
		r.boards[key] = p
	}
	if _, ok := r.boards[r.def]; !ok {
		return nil, fmt.Errorf("default board %q is not defined", r.def)
	}
	return r, nil
}

// Default loads the registry embedded in the binary.
func Default() *Registry {
	r, err := Parse(embedded.Boards())
	if err != nil {
		panic(fmt.Sprintf("embedded board table is invalid: %v", err))
	}
	return r
}

// Profile looks up a board by key.
func (r *Registry) Profile(key string) (Profile, error) {
	p, ok := r.boards[key]
	if !ok {
		return Profile{}, &UnknownBoardError{Key: key, Known: r.Keys()}
	}
	return p, nil
}

// DefaultKey returns the key of the board used when none is specified.
func (r *Registry) DefaultKey() string {
	return r.def
}

// Keys returns all registered board keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.boards))
	for k := range r.boards {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ByFlashSize returns the board whose flash size matches the size reported
// by the device, e.g. "16MB".
func (r *Registry) ByFlashSize(size string) (Profile, bool) {
	want, err := ParseFlashSize(size)
	if err != nil {
		return Profile{}, false
	}
	for _, k := range r.Keys() {
		p := r.boards[k]
		if p.FlashBytes() == want {
			return p, true
		}
	}
	return Profile{}, false
}

// ParseFlashSize converts an esptool flash size such as "8MB" or "512KB"
// into bytes.
func ParseFlashSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	default:
		return 0, fmt.Errorf("invalid flash size %q", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid flash size %q", s)
	}
	return n * mult, nil
}
