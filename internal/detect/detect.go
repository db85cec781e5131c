// Package detect identifies which board profile is attached to a port by
// asking esptool for the chip's flash size.
package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/esptool"
	"github.com/bigbag/rnode-flasher/internal/serial"
)

// DefaultTimeout bounds one flash_id query.
const DefaultTimeout = 15 * time.Second

var (
	ErrNoFlashSize      = errors.New("flash size not reported")
	ErrUnknownFlashSize = errors.New("unknown flash size")
	ErrNoDevice         = errors.New("no device found")
)

// UnknownFlashSizeError is returned when no board profile has the flash
// size the chip reported.
type UnknownFlashSizeError struct {
	Size  string
	Known []string
}

func (e *UnknownFlashSizeError) Error() string {
	return fmt.Sprintf("unknown flash size %q (known boards: %s); use --board to choose one",
		e.Size, strings.Join(e.Known, ", "))
}

func (e *UnknownFlashSizeError) Is(target error) bool { return target == ErrUnknownFlashSize }

// Info is what esptool flash_id reports about a chip.
type Info struct {
	Chip      string
	Features  string
	FlashSize string
	MAC       string
	Crystal   string
}

// ParseFlashID extracts the chip details from flash_id output. Missing
// fields stay empty.
func ParseFlashID(output string) Info {
	var info Info
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Chip is "):
			info.Chip = strings.TrimPrefix(line, "Chip is ")
		case strings.HasPrefix(line, "Chip type:"):
			info.Chip = strings.TrimSpace(strings.TrimPrefix(line, "Chip type:"))
		case strings.HasPrefix(line, "Features:"):
			info.Features = strings.TrimSpace(strings.TrimPrefix(line, "Features:"))
		case strings.HasPrefix(line, "Detected flash size:"):
			info.FlashSize = strings.TrimSpace(strings.TrimPrefix(line, "Detected flash size:"))
		case strings.HasPrefix(line, "MAC:"):
			info.MAC = strings.TrimSpace(strings.TrimPrefix(line, "MAC:"))
		case strings.HasPrefix(line, "Crystal is"):
			info.Crystal = strings.TrimSpace(strings.TrimPrefix(line, "Crystal is"))
		case strings.HasPrefix(line, "Crystal frequency:"):
			info.Crystal = strings.TrimSpace(strings.TrimPrefix(line, "Crystal frequency:"))
		}
	}
	return info
}

// Result represents a detected device.
type Result struct {
	Port  string
	Board board.Profile
	Info  Info
}

// Detector runs flash_id against serial ports.
type Detector struct {
	tool     *esptool.Tool
	registry *board.Registry
	timeout  time.Duration
	ports    func() ([]string, error)
	logger   *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(d2 *Detector) {
		if d > 0 {
			d2.timeout = d
		}
	}
}

// WithPortLister replaces serial.ListPorts.
func WithPortLister(fn func() ([]string, error)) Option {
	return func(d *Detector) {
		d.ports = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Detector.
func New(tool *esptool.Tool, registry *board.Registry, opts ...Option) *Detector {
	d := &Detector{
		tool:     tool,
		registry: registry,
		timeout:  DefaultTimeout,
		ports:    serial.ListPorts,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectOnPort identifies the board on a specific port.
func (d *Detector) DetectOnPort(ctx context.Context, portName string) (*Result, error) {
	out, err := d.tool.FlashID(ctx, portName, d.timeout)
	if err != nil {
		return nil, err
	}

	info := ParseFlashID(out)
	if info.FlashSize == "" {
		return nil, fmt.Errorf("%w by %s", ErrNoFlashSize, portName)
	}

	p, ok := d.registry.ByFlashSize(info.FlashSize)
	if !ok {
		return nil, &UnknownFlashSizeError{Size: info.FlashSize, Known: d.knownSizes()}
	}

	d.logger.Info("Detected board",
		zap.String("port", portName),
		zap.String("board", p.Key),
		zap.String("chip", info.Chip),
		zap.String("flash_size", info.FlashSize),
		zap.String("mac", info.MAC))

	return &Result{Port: portName, Board: p, Info: info}, nil
}

// DetectDevice tries every available port and returns the first board
// found.
func (d *Detector) DetectDevice(ctx context.Context) (*Result, error) {
	ports, err := d.ports()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no serial ports found", ErrNoDevice)
	}

	var lastErr error
	for _, portName := range ports {
		result, err := d.DetectOnPort(ctx, portName)
		if err != nil {
			d.logger.Debug("No board on port", zap.String("port", portName), zap.Error(err))
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w (last error: %w)", ErrNoDevice, lastErr)
}

// ListDevices scans all ports and returns all detected boards.
func (d *Detector) ListDevices(ctx context.Context) ([]Result, error) {
	ports, err := d.ports()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := d.DetectOnPort(ctx, portName)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func (d *Detector) knownSizes() []string {
	var known []string
	for _, key := range d.registry.Keys() {
		p, err := d.registry.Profile(key)
		if err != nil {
			continue
		}
		known = append(known, fmt.Sprintf("%s=%s", p.FlashSize, key))
	}
	return known
}
