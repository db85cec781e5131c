// Package plan decides how a firmware image is written to a device: the
// full flash from offset zero or an application-only update that keeps
// the bootloader, partition table and saved settings.
package plan

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/image"
	"github.com/bigbag/rnode-flasher/internal/layout"
	"github.com/bigbag/rnode-flasher/internal/probe"
)

// Mode is the write mode of a plan.
type Mode int

const (
	Undetermined Mode = iota
	AppOnly
	Full
)

func (m Mode) String() string {
	switch m {
	case AppOnly:
		return "app-only"
	case Full:
		return "full"
	default:
		return "undetermined"
	}
}

// Reason explains why a plan resolved to its mode.
type Reason string

const (
	ReasonRequested      Reason = "full flash requested"
	ReasonErase          Reason = "erase requested"
	ReasonNoApp          Reason = "no app firmware on device"
	ReasonPartitionTable Reason = "partition table mismatch"
	ReasonOperator       Reason = "operator chose to erase"
	ReasonDeviceOK       Reason = "device has app and matching partition table"
)

var ErrCannotComposeFullImage = errors.New("cannot compose full image")

// ComposeError is returned when a full flash needs a merged image but the
// boot components to build one are missing.
type ComposeError struct {
	App string
	Err error
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("cannot create merged image from %s: %v", e.App, e.Err)
}

func (e *ComposeError) Unwrap() error        { return e.Err }
func (e *ComposeError) Is(target error) bool { return target == ErrCannotComposeFullImage }

// Request is the input of a decision.
type Request struct {
	// Candidate is the firmware file to write.
	Candidate string
	// RequestedFull forces a full flash.
	RequestedFull bool
	// Erase forces a full flash preceded by a chip erase.
	Erase bool
	// Probe is the device state, nil when the device was not probed.
	Probe *probe.Result
	// EraseOptIn is the operator's answer to "erase before writing?".
	EraseOptIn bool
}

// Plan is the resolved write.
type Plan struct {
	Mode    Mode
	Reason  Reason
	Address uint32
	Image   string
	// Source is the candidate the image was derived from.
	Source string
	// Erase requests erase_flash before writing.
	Erase bool
}

// Derived reports whether the written image differs from the candidate.
func (p *Plan) Derived() bool {
	return p.Image != p.Source
}

// Resolve applies the transition rules in order. Each rule can only move
// towards Full.
func Resolve(req Request) (Mode, Reason) {
	switch {
	case req.Erase:
		return Full, ReasonErase
	case req.RequestedFull:
		return Full, ReasonRequested
	case req.Probe != nil && !req.Probe.AppPresent:
		return Full, ReasonNoApp
	case req.Probe != nil && !req.Probe.PartitionTableMatches():
		return Full, ReasonPartitionTable
	case req.EraseOptIn:
		return Full, ReasonOperator
	default:
		return AppOnly, ReasonDeviceOK
	}
}

// Engine turns a decision into a concrete image and address.
type Engine struct {
	boot    image.Components
	workDir string
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkDir places derived images in dir instead of next to the candidate.
func WithWorkDir(dir string) Option {
	return func(e *Engine) {
		e.workDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine that merges app-only candidates with the
// given boot components when a full flash is needed.
func NewEngine(boot image.Components, opts ...Option) *Engine {
	e := &Engine{boot: boot, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide resolves req into a plan, merging or extracting as needed so the
// image matches the mode.
func (e *Engine) Decide(req Request) (*Plan, error) {
	mode, reason := Resolve(req)

	kind, err := image.Classify(req.Candidate)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Classified candidate",
		zap.String("path", req.Candidate),
		zap.Stringer("kind", kind),
		zap.Stringer("mode", mode),
		zap.String("reason", string(reason)))

	p := &Plan{
		Mode:   mode,
		Reason: reason,
		Source: req.Candidate,
		Image:  req.Candidate,
		Erase:  req.Erase,
	}

	switch mode {
	case Full:
		p.Address = layout.BootloaderAddress
		if kind == image.AppOnly {
			merged, err := e.compose(req.Candidate)
			if err != nil {
				return nil, err
			}
			p.Image = merged
		}
	default:
		p.Address = layout.AppAddress
		if kind == image.Merged {
			out := e.derivedPath(image.AppPath(req.Candidate))
			if _, err := image.ExtractApp(req.Candidate, out); err != nil {
				return nil, err
			}
			e.logger.Info("Extracted app from merged image", zap.String("path", out))
			p.Image = out
		}
	}

	return p, nil
}

func (e *Engine) compose(app string) (string, error) {
	c := e.boot
	c.App = app
	out := e.derivedPath(image.MergedPath(app))

	e.logger.Info("Auto-merging app-only binary with boot components",
		zap.String("bootloader", c.Bootloader),
		zap.String("partitions", c.Partitions),
		zap.String("boot_app0", c.BootStub),
		zap.String("output", out))

	if _, err := image.Merge(out, c); err != nil {
		if errors.Is(err, image.ErrMissingComponent) {
			return "", &ComposeError{App: app, Err: err}
		}
		return "", err
	}
	return out, nil
}

func (e *Engine) derivedPath(path string) string {
	if e.workDir == "" {
		return path
	}
	return filepath.Join(e.workDir, filepath.Base(path))
}
