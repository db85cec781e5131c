// Package session ties one flashing run together: the selected board,
// port and tool, and the steps from firmware resolution to the write.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/cache"
	"github.com/bigbag/rnode-flasher/internal/detect"
	"github.com/bigbag/rnode-flasher/internal/esptool"
	"github.com/bigbag/rnode-flasher/internal/flasher"
	"github.com/bigbag/rnode-flasher/internal/image"
	"github.com/bigbag/rnode-flasher/internal/layout"
	"github.com/bigbag/rnode-flasher/internal/plan"
	"github.com/bigbag/rnode-flasher/internal/probe"
	"github.com/bigbag/rnode-flasher/internal/resolve"
	"github.com/bigbag/rnode-flasher/internal/serial"
)

var (
	ErrAborted = errors.New("aborted by operator")
	ErrNoPort  = errors.New("no serial port detected")
)

// UI is the operator-facing side of a session.
type UI interface {
	// Confirm asks a yes/no question; def is the answer for empty input.
	Confirm(question string, def bool) (bool, error)
	// SelectPort picks one of several ports.
	SelectPort(ports []string) (string, error)
	// Status prints a progress line.
	Status(format string, args ...any)
	// Progress reports write progress.
	Progress(current, total int)
}

// Env holds the collaborators shared by sessions.
type Env struct {
	Registry     *board.Registry
	DefaultBoard string
	Tool         *esptool.Tool
	Cache        *cache.Manager
	Locator      resolve.Locator
	// WorkDir receives merged and extracted images and holds local merged
	// binaries.
	WorkDir       string
	ProbeTimeout  time.Duration
	DetectTimeout time.Duration
	Logger        *zap.Logger

	// Hooks for tests; nil selects the real implementation.
	ListPorts   func() ([]string, error)
	TouchReset  func(port string) error
	EraseSettle time.Duration
	ResetDelay  time.Duration
}

func (e *Env) listPorts() ([]string, error) {
	if e.ListPorts != nil {
		return e.ListPorts()
	}
	return serial.ListPorts()
}

func (e *Env) touchReset(port string) error {
	if e.TouchReset != nil {
		return e.TouchReset(port)
	}
	return serial.TouchReset(port)
}

func (e *Env) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Options are the per-run operator choices.
type Options struct {
	Board   string
	Port    string
	Baud    int
	File    string
	Release string
	Offline bool
	Full    bool
	Erase   bool
	// Yes answers every question with its default and skips the erase
	// and reset offers.
	Yes bool
}

// Session is the explicit state of one run. It replaces any notion of a
// process-wide active board.
type Session struct {
	ID       string
	Board    board.Profile
	Port     string
	Baud     int
	Detected *detect.Info

	env    *Env
	opts   Options
	ui     UI
	logger *zap.Logger
}

// New selects the board and port for a run. An explicit board wins;
// otherwise the board on the port is detected, falling back to the
// default board when detection is impossible.
func New(ctx context.Context, env *Env, opts Options, ui UI) (*Session, error) {
	s := &Session{
		ID:   uuid.NewString(),
		Port: opts.Port,
		env:  env,
		opts: opts,
		ui:   ui,
	}
	base := env.logger().With(zap.String("session", s.ID))

	if opts.Erase {
		s.opts.Full = true
	}

	var err error
	switch {
	case opts.Board != "":
		s.Board, err = env.Registry.Profile(opts.Board)
		if err != nil {
			return nil, err
		}
	default:
		s.Board, err = s.detectBoard(ctx, base)
		if err != nil {
			return nil, err
		}
	}

	s.Baud = opts.Baud
	if s.Baud <= 0 {
		s.Baud = s.Board.BaudRate
	}
	s.logger = base.With(zap.String("board", s.Board.Key))
	return s, nil
}

// NewOffline creates a session that never touches a device.
func NewOffline(env *Env, boardKey string) (*Session, error) {
	if boardKey == "" {
		boardKey = defaultBoard(env)
	}
	p, err := env.Registry.Profile(boardKey)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Session{
		ID:     id,
		Board:  p,
		Baud:   p.BaudRate,
		env:    env,
		logger: env.logger().With(zap.String("session", id), zap.String("board", p.Key)),
	}, nil
}

func defaultBoard(env *Env) string {
	if env.DefaultBoard != "" {
		return env.DefaultBoard
	}
	return env.Registry.DefaultKey()
}

func (s *Session) detectBoard(ctx context.Context, logger *zap.Logger) (board.Profile, error) {
	def, err := s.env.Registry.Profile(defaultBoard(s.env))
	if err != nil {
		return board.Profile{}, err
	}

	if s.Port == "" {
		port, err := s.pickPort()
		if err != nil && !errors.Is(err, ErrNoPort) {
			return board.Profile{}, err
		}
		s.Port = port
	}
	if s.Port == "" {
		s.status("No serial port detected and no --board specified. Defaulting to %s.", def.Key)
		return def, nil
	}

	s.status("Detecting board on %s...", s.Port)
	d := detect.New(s.env.Tool, s.env.Registry,
		detect.WithTimeout(s.env.DetectTimeout),
		detect.WithLogger(logger))
	res, err := d.DetectOnPort(ctx, s.Port)
	if err != nil {
		logger.Warn("Board auto-detection failed", zap.Error(err))
		s.status("Auto-detect failed. Defaulting to %s.", def.Key)
		return def, nil
	}

	s.Detected = &res.Info
	s.status("  Chip:       %s", orUnknown(res.Info.Chip))
	s.status("  Flash:      %s", orUnknown(res.Info.FlashSize))
	s.status("  Features:   %s", orUnknown(res.Info.Features))
	s.status("  MAC:        %s", orUnknown(res.Info.MAC))
	s.status("  Detected:   %s", res.Board.Name)
	return res.Board, nil
}

// pickPort returns the only port, asks the operator to choose among
// several, or returns ErrNoPort.
func (s *Session) pickPort() (string, error) {
	ports, err := s.env.listPorts()
	if err != nil {
		return "", fmt.Errorf("failed to list ports: %w", err)
	}
	switch {
	case len(ports) == 0:
		return "", ErrNoPort
	case len(ports) == 1 || s.ui == nil || s.opts.Yes:
		return ports[0], nil
	default:
		return s.ui.SelectPort(ports)
	}
}

// Logger returns the session logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// Chain builds the firmware source chain for the session options.
func (s *Session) Chain() *resolve.Chain {
	o := s.opts
	project := s.env.Locator.ProjectDir

	if o.File != "" {
		return resolve.NewChain(s.logger, resolve.File{Path: o.File})
	}

	if o.Full && o.Offline && o.Release == "" {
		return resolve.NewChain(s.logger,
			resolve.BuildMerged{
				ProjectDir: project,
				OutputDir:  s.env.WorkDir,
				Profile:    s.Board,
				Locator:    s.env.Locator,
				Logger:     s.logger,
			},
			resolve.LocalMerged{Dir: s.env.WorkDir, Profile: s.Board},
			resolve.Cached{Cache: s.env.Cache, Profile: s.Board},
		)
	}

	var strategies []resolve.Strategy
	if !o.Offline {
		strategies = append(strategies, resolve.Remote{
			Cache:   s.env.Cache,
			Profile: s.Board,
			Tag:     o.Release,
			Logger:  s.logger,
		})
	}
	strategies = append(strategies,
		resolve.LocalBuild{ProjectDir: project, Profile: s.Board},
		resolve.Cached{Cache: s.env.Cache, Profile: s.Board},
		resolve.LocalMerged{Dir: s.env.WorkDir, Profile: s.Board},
	)
	return resolve.NewChain(s.logger, strategies...)
}

// ResolveFirmware runs the source chain.
func (s *Session) ResolveFirmware(ctx context.Context) (*resolve.Candidate, error) {
	return s.Chain().Resolve(ctx)
}

// Probe inspects the device. It returns nil when a full flash was
// requested, since the result cannot change the outcome.
func (s *Session) Probe(ctx context.Context) *probe.Result {
	if s.opts.Full || s.opts.Erase {
		return nil
	}
	s.status("Checking device state...")
	dev := s.env.Tool.Device(s.Port, s.Baud, s.env.ProbeTimeout)
	res := probe.New(dev, s.logger).Probe(ctx, s.env.Locator.PartitionTable(s.Board))
	if !res.AppPresent {
		s.status("  No app firmware on device, full flash required")
	} else if !res.PartitionTableMatches() {
		s.status("  Partition table mismatch, full flash required")
	}
	return &res
}

// Decide resolves the flash plan, asking the operator whether to erase
// when the device would otherwise get an app-only update.
func (s *Session) Decide(ctx context.Context, cand *resolve.Candidate, res *probe.Result) (*plan.Plan, error) {
	req := plan.Request{
		Candidate:     cand.Path,
		RequestedFull: s.opts.Full,
		Erase:         s.opts.Erase,
		Probe:         res,
	}

	if mode, _ := plan.Resolve(req); mode == plan.AppOnly && !s.opts.Yes && s.ui != nil {
		optIn, err := s.ui.Confirm("Erase flash before writing? (wipes all settings)", false)
		if err != nil {
			return nil, err
		}
		req.EraseOptIn = optIn
	}

	boot := s.env.Locator.Find(s.Board)
	engine := plan.NewEngine(boot, plan.WithWorkDir(s.env.WorkDir), plan.WithLogger(s.logger))
	p, err := engine.Decide(req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Flash plan",
		zap.Stringer("mode", p.Mode),
		zap.String("reason", string(p.Reason)),
		zap.String("image", p.Image),
		zap.String("address", layout.Hex(p.Address)),
		zap.Bool("erase", p.Erase))
	return p, nil
}

// Flash executes p.
func (s *Session) Flash(ctx context.Context, p *plan.Plan) error {
	opts := []flasher.Option{flasher.WithLogger(s.logger)}
	if s.env.EraseSettle > 0 {
		opts = append(opts, flasher.WithSettleDelay(s.env.EraseSettle))
	}
	f := flasher.New(s.env.Tool, s.Port, s.Baud, opts...)
	if s.ui != nil {
		f.SetProgressCallback(s.ui.Progress)
	}
	return f.Execute(ctx, p, s.Board)
}

// Outcome summarizes a completed run.
type Outcome struct {
	Firmware *resolve.Candidate
	Plan     *plan.Plan
}

// Run performs the whole sequence: resolve firmware, probe, decide,
// optionally touch-reset, confirm and flash.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	cand, err := s.ResolveFirmware(ctx)
	if err != nil {
		return nil, err
	}
	if cand.Tag != "" {
		s.status("Release: %s", cand.Tag)
	}

	if s.Port == "" {
		port, err := s.pickPort()
		if err != nil {
			return nil, err
		}
		s.Port = port
	}

	s.status("Serial port: %s", s.Port)
	s.status("Firmware:    %s (%s)", cand.Path, fileSize(cand.Path))

	p, err := s.Decide(ctx, cand, s.Probe(ctx))
	if err != nil {
		return nil, err
	}

	if p.Derived() {
		if p.Mode == plan.Full {
			s.status("Merged with bootloader and partitions: %s", p.Image)
		} else {
			s.status("Extracted application: %s", p.Image)
		}
	}

	if p.Mode == plan.Full {
		s.status("Full flash: %s -> %s", filepath.Base(p.Image), layout.Hex(p.Address))
		s.status("This will overwrite all settings (NVS/EEPROM)")
	} else {
		s.status("App-only update: %s -> %s", filepath.Base(p.Image), layout.Hex(p.Address))
		s.status("Device settings will be preserved")
	}

	if err := s.offerReset(); err != nil {
		return nil, err
	}

	if !s.opts.Yes && s.ui != nil {
		ok, err := s.ui.Confirm("Flash firmware?", true)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAborted
		}
	}

	if err := s.Flash(ctx, p); err != nil {
		return nil, err
	}
	return &Outcome{Firmware: cand, Plan: p}, nil
}

// offerReset asks whether to force download mode with a touch reset and
// rescans ports afterwards, since the port may change.
func (s *Session) offerReset() error {
	if s.opts.Yes || s.ui == nil {
		return nil
	}
	ok, err := s.ui.Confirm("Reset device to download mode first? (try if device is stuck)", false)
	if err != nil || !ok {
		return err
	}
	return s.TouchReset()
}

// TouchReset forces the device into download mode and re-selects the
// port unless it was given explicitly.
func (s *Session) TouchReset() error {
	s.status("Opening %s at %d baud to trigger bootloader...", s.Port, serial.TouchBaudRate)
	if err := s.env.touchReset(s.Port); err != nil {
		return fmt.Errorf("touch reset failed: %w", err)
	}

	delay := s.env.ResetDelay
	if delay <= 0 {
		delay = serial.ReenumerateDelay
	}
	s.status("Waiting for device to re-enumerate in download mode...")
	time.Sleep(delay)

	if s.opts.Port != "" {
		return nil
	}
	port, err := s.pickPort()
	if err != nil {
		s.logger.Warn("No ports found after reset", zap.String("port", s.Port), zap.Error(err))
		return nil
	}
	s.Port = port
	s.status("Using port: %s", s.Port)
	return nil
}

// MergeBuild writes the board's merged image from the PlatformIO build
// output. With viaEsptool the esptool merger is used instead of the
// built-in one.
func (s *Session) MergeBuild(ctx context.Context, viaEsptool bool) (string, error) {
	c := s.env.Locator.Find(s.Board)
	c.App = resolve.AppBinary(s.env.Locator.ProjectDir, s.Board)
	out := filepath.Join(s.env.WorkDir, s.Board.MergedFilename)

	if err := c.Check(); err != nil {
		return "", err
	}

	if viaEsptool {
		segments := []esptool.Segment{
			{Address: layout.BootloaderAddress, Path: c.Bootloader},
			{Address: layout.PartitionsAddress, Path: c.Partitions},
			{Address: layout.BootStubAddress, Path: c.BootStub},
			{Address: layout.AppAddress, Path: c.App},
		}
		if err := s.env.Tool.MergeBin(ctx, s.Board.FlashSize, out, segments); err != nil {
			return "", err
		}
		return out, nil
	}

	res, err := image.Merge(out, c)
	if err != nil {
		return "", err
	}
	s.logger.Info("Merged build output", zap.String("path", res.Path), zap.Int64("size", res.Size))
	return res.Path, nil
}

func (s *Session) status(format string, args ...any) {
	if s.ui != nil {
		s.ui.Status(format, args...)
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "?"
	}
	return v
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "? bytes"
	}
	return fmt.Sprintf("%d bytes", info.Size())
}
