package flasher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/esptool"
	"github.com/bigbag/rnode-flasher/internal/layout"
	"github.com/bigbag/rnode-flasher/internal/plan"
)

// DefaultSettleDelay is the pause between a chip erase and the write, while
// the device re-enumerates.
const DefaultSettleDelay = 3 * time.Second

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Flasher writes planned images to an ESP32-S3 device through esptool.
type Flasher struct {
	tool     *esptool.Tool
	port     string
	baud     int
	settle   time.Duration
	progress ProgressCallback
	logger   *zap.Logger
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(f *Flasher) {
		f.settle = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Flasher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a new Flasher for the given port.
func New(tool *esptool.Tool, port string, baud int, opts ...Option) *Flasher {
	f := &Flasher{
		tool:   tool,
		port:   port,
		baud:   baud,
		settle: DefaultSettleDelay,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// FlashRegion represents a region to flash.
type FlashRegion struct {
	Address uint32
	Path    string
	Name    string
}

// Region returns the single region a plan writes.
func Region(p *plan.Plan) FlashRegion {
	name := "firmware"
	if p.Mode == plan.Full {
		name = "merged image"
	}
	return FlashRegion{Address: p.Address, Path: p.Image, Name: name}
}

// Execute runs a plan: an optional chip erase followed by one write. A
// failed write is reported and never retried.
func (f *Flasher) Execute(ctx context.Context, p *plan.Plan, profile board.Profile) error {
	if p.Erase {
		if err := f.Erase(ctx); err != nil {
			return err
		}
	}

	region := Region(p)
	if err := f.FlashImage(ctx, region, profile.FlashSize); err != nil {
		return fmt.Errorf("failed to flash %s at %s: %w", region.Name, layout.Hex(region.Address), err)
	}
	return nil
}

// Erase erases the whole chip and waits for the device to come back.
func (f *Flasher) Erase(ctx context.Context) error {
	f.logger.Info("Erasing flash", zap.String("port", f.port))
	if err := f.tool.EraseFlash(ctx, f.port, f.baud); err != nil {
		return fmt.Errorf("erase failed: %w", err)
	}

	if f.settle <= 0 {
		return nil
	}
	timer := time.NewTimer(f.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FlashImage writes one region.
func (f *Flasher) FlashImage(ctx context.Context, region FlashRegion, flashSize string) error {
	f.logger.Info("Writing image",
		zap.String("name", region.Name),
		zap.String("path", region.Path),
		zap.String("address", layout.Hex(region.Address)),
		zap.String("port", f.port),
		zap.Int("baud", f.baud))

	req := esptool.WriteRequest{
		Port:      f.port,
		Baud:      f.baud,
		FlashSize: flashSize,
		Address:   region.Address,
		Path:      region.Path,
	}
	last := -1
	err := f.tool.WriteFlash(ctx, req, func(percent int) {
		if percent != last {
			last = percent
			f.reportProgress(percent, 100)
		}
	})
	if err != nil {
		return err
	}
	if last != 100 {
		f.reportProgress(100, 100)
	}
	return nil
}
