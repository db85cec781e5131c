package image

import (
	"errors"
	"fmt"
)

var (
	ErrClassifyFailed          = errors.New("classify failed")
	ErrMissingComponent        = errors.New("missing component")
	ErrComponentOverflow       = errors.New("component overflow")
	ErrMergeVerificationFailed = errors.New("merge verification failed")
	ErrImageTooSmall           = errors.New("image too small")
	ErrExtractFailed           = errors.New("extract failed")
)

// ClassifyError indicates that a firmware file could not be inspected.
// The file must be treated as unusable.
type ClassifyError struct {
	Path string
	Err  error
}

func (e *ClassifyError) Error() string {
	return fmt.Sprintf("cannot classify %s: %v", e.Path, e.Err)
}

func (e *ClassifyError) Unwrap() error        { return e.Err }
func (e *ClassifyError) Is(target error) bool { return target == ErrClassifyFailed }

// MissingComponentError names the first merge input that is absent or unreadable.
type MissingComponentError struct {
	Name string
	Path string
	Err  error
}

func (e *MissingComponentError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("missing component %s: not found", e.Name)
	}
	return fmt.Sprintf("missing component %s: %s: %v", e.Name, e.Path, e.Err)
}

func (e *MissingComponentError) Unwrap() error        { return e.Err }
func (e *MissingComponentError) Is(target error) bool { return target == ErrMissingComponent }

// ComponentOverflowError indicates a component that would overwrite the
// next fixed region.
type ComponentOverflowError struct {
	Name    string
	Path    string
	Size    int64
	MaxSize int64
}

func (e *ComponentOverflowError) Error() string {
	return fmt.Sprintf("component %s (%s) is %d bytes, region holds at most %d",
		e.Name, e.Path, e.Size, e.MaxSize)
}

func (e *ComponentOverflowError) Is(target error) bool { return target == ErrComponentOverflow }

// MergeVerificationError indicates that the merged output is shorter than
// the application end offset.
type MergeVerificationError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *MergeVerificationError) Error() string {
	return fmt.Sprintf("merged image %s: expected at least %d bytes, got %d",
		e.Path, e.Expected, e.Actual)
}

func (e *MergeVerificationError) Is(target error) bool {
	return target == ErrMergeVerificationFailed
}

// ImageTooSmallError indicates a merged image with no application data.
type ImageTooSmallError struct {
	Path string
	Size int64
	Min  int64
}

func (e *ImageTooSmallError) Error() string {
	return fmt.Sprintf("merged image %s is %d bytes, must be larger than %d to contain app data",
		e.Path, e.Size, e.Min)
}

func (e *ImageTooSmallError) Is(target error) bool { return target == ErrImageTooSmall }

// ExtractError wraps an I/O failure during app extraction.
type ExtractError struct {
	Source string
	Dest   string
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("cannot extract app from %s to %s: %v", e.Source, e.Dest, e.Err)
}

func (e *ExtractError) Unwrap() error        { return e.Err }
func (e *ExtractError) Is(target error) bool { return target == ErrExtractFailed }
