package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoFirmwareAvailable = errors.New("no firmware available")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrIntegrity           = errors.New("cache integrity mismatch")
)

// NoFirmwareError is returned when the release index is unreachable and
// nothing usable is cached for the board.
type NoFirmwareError struct {
	Board string
	Err   error
}

func (e *NoFirmwareError) Error() string {
	return fmt.Sprintf("no cached firmware for %s and release index unreachable: %v", e.Board, e.Err)
}

func (e *NoFirmwareError) Unwrap() error        { return e.Err }
func (e *NoFirmwareError) Is(target error) bool { return target == ErrNoFirmwareAvailable }

// AssetNotFoundError lists what a release does contain so a renamed or
// missing artifact can be diagnosed.
type AssetNotFoundError struct {
	Tag       string
	Asset     string
	Available []string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("%q not found in release %s (available assets: [%s])",
		e.Asset, e.Tag, strings.Join(e.Available, ", "))
}

func (e *AssetNotFoundError) Is(target error) bool { return target == ErrAssetNotFound }

// IntegrityError indicates a cached file whose content no longer matches
// its recorded hash.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cached file %s: expected sha256 %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }
