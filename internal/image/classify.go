// Package image classifies, merges and slices ESP32 firmware images.
package image

import (
	"fmt"
	"io"
	"os"

	"github.com/bigbag/rnode-flasher/internal/layout"
)

// Kind is the classification of a firmware file.
type Kind int

const (
	AppOnly Kind = iota
	Merged
)

func (k Kind) String() string {
	switch k {
	case Merged:
		return "merged"
	case AppOnly:
		return "app-only"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// WriteAddress returns the flash offset an image of this kind is written to.
func (k Kind) WriteAddress() uint32 {
	if k == Merged {
		return layout.BootloaderAddress
	}
	return layout.AppAddress
}

// Classify sniffs a firmware file for the partition table magic at the
// fixed partition table offset. The result is never cached; callers
// classify again whenever they need it.
func Classify(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return AppOnly, &ClassifyError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return AppOnly, &ClassifyError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return AppOnly, &ClassifyError{Path: path, Err: fmt.Errorf("not a regular file")}
	}

	if info.Size() < layout.PartitionsAddress+2 {
		return AppOnly, nil
	}

	var magic [2]byte
	if _, err := f.ReadAt(magic[:], layout.PartitionsAddress); err != nil && err != io.EOF {
		return AppOnly, &ClassifyError{Path: path, Err: err}
	}

	if layout.HasPartitionMagic(magic[:]) {
		return Merged, nil
	}
	return AppOnly, nil
}
