// Package probe inspects a connected device to decide how much of its
// flash must be rewritten. Every inconclusive result resolves to the
// non-destructive answer.
package probe

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/layout"
)

// FlashReader reads raw flash contents from a device.
type FlashReader interface {
	ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error)
}

// TableStatus is the outcome of comparing the device partition table
// against the expected one.
type TableStatus int

const (
	// TableUnknown means the table could not be checked: no expected
	// table or the read failed. Treated as a match.
	TableUnknown TableStatus = iota
	TableMatch
	TableMismatch
	// TableMissing means the device region does not start with the
	// partition table magic (blank or corrupted).
	TableMissing
)

func (s TableStatus) String() string {
	switch s {
	case TableMatch:
		return "match"
	case TableMismatch:
		return "mismatch"
	case TableMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Matches reports whether the status allows an app-only update.
func (s TableStatus) Matches() bool {
	return s == TableMatch || s == TableUnknown
}

// Result is the device state seen by one session. It is never cached.
type Result struct {
	AppPresent bool
	Table      TableStatus
}

// PartitionTableMatches reports whether the table check allows an app-only
// update.
func (r Result) PartitionTableMatches() bool {
	return r.Table.Matches()
}

// Prober runs the device checks.
type Prober struct {
	dev    FlashReader
	logger *zap.Logger
}

// New creates a Prober reading through dev. The reader is expected to
// bound each read with its own timeout.
func New(dev FlashReader, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{dev: dev, logger: logger}
}

// AppPresent reads the start of the application region. Only a fully
// erased window means no application; a failed read counts as present.
func (p *Prober) AppPresent(ctx context.Context) bool {
	data, err := p.dev.ReadFlash(ctx, layout.AppAddress, layout.AppProbeSize)
	if err != nil {
		p.logger.Warn("Could not read app region from device, assuming app present", zap.Error(err))
		return true
	}
	if layout.IsErased(data) {
		p.logger.Info("App region is blank")
		return false
	}
	return true
}

// PartitionTable compares the device partition table with expected.
func (p *Prober) PartitionTable(ctx context.Context, expected []byte) TableStatus {
	if len(expected) == 0 {
		p.logger.Info("No reference partition table, skipping check")
		return TableUnknown
	}

	data, err := p.dev.ReadFlash(ctx, layout.PartitionsAddress, layout.PartitionTableSize)
	if err != nil {
		p.logger.Warn("Could not read partition table from device", zap.Error(err))
		return TableUnknown
	}

	if len(data) >= len(expected) && bytes.Equal(data[:len(expected)], expected) {
		return TableMatch
	}
	if !layout.HasPartitionMagic(data) {
		p.logger.Warn("No valid partition table found on device (blank or corrupted)")
		return TableMissing
	}
	p.logger.Warn("Partition table mismatch, device has a different layout")
	return TableMismatch
}

// Probe runs both checks. The partition table is not read when the app
// region is blank since the outcome is already a full flash.
func (p *Prober) Probe(ctx context.Context, expectedTable []byte) Result {
	r := Result{AppPresent: p.AppPresent(ctx)}
	if !r.AppPresent {
		r.Table = TableUnknown
		return r
	}
	r.Table = p.PartitionTable(ctx, expectedTable)
	return r
}
