package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigbag/rnode-flasher/internal/atomicfile"
	"github.com/bigbag/rnode-flasher/internal/layout"
)

// Components are the four inputs of a merged image.
type Components struct {
	Bootloader string
	Partitions string
	BootStub   string
	App        string
}

// paths returns the components in their fixed diagnostic order, which is
// also the layout order.
func (c Components) paths() []string {
	return []string{c.Bootloader, c.Partitions, c.BootStub, c.App}
}

// Check verifies that every component is present and readable. It reports
// the first missing one in the order bootloader, partitions, boot_app0,
// firmware.
func (c Components) Check() error {
	regions := layout.Regions()
	for i, path := range c.paths() {
		if err := checkReadable(path); err != nil {
			return &MissingComponentError{Name: regions[i].Name, Path: path, Err: err}
		}
	}
	return nil
}

func checkReadable(path string) error {
	if path == "" {
		return os.ErrNotExist
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty")
	}
	return nil
}

// MergeResult describes a written merged image.
type MergeResult struct {
	Path string
	Size int64
}

// Merge writes a single image at output that places each component at its
// fixed offset. Gaps are filled with the erased flash value, so the NVS
// region between the partition table and boot_app0 is blank in the result.
func Merge(output string, c Components) (*MergeResult, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}

	regions := layout.Regions()
	parts := make([][]byte, len(regions))
	for i, path := range c.paths() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &MissingComponentError{Name: regions[i].Name, Path: path, Err: err}
		}
		r := regions[i]
		if r.Limit != 0 && int64(len(data)) > int64(r.Limit-r.Address) {
			return nil, &ComponentOverflowError{
				Name:    r.Name,
				Path:    path,
				Size:    int64(len(data)),
				MaxSize: int64(r.Limit - r.Address),
			}
		}
		parts[i] = data
	}

	app := parts[len(parts)-1]
	want := int64(layout.AppAddress) + int64(len(app))

	img := bytes.Repeat([]byte{layout.ErasedByte}, int(want))
	for i, r := range regions {
		copy(img[r.Address:], parts[i])
	}

	if err := atomicfile.WriteBytes(output, img); err != nil {
		return nil, fmt.Errorf("failed to write merged image: %w", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return nil, &MergeVerificationError{Path: output, Expected: want, Actual: 0}
	}
	if info.Size() < want {
		return nil, &MergeVerificationError{Path: output, Expected: want, Actual: info.Size()}
	}

	return &MergeResult{Path: output, Size: info.Size()}, nil
}

// AppPath returns the conventional path for the app slice of src,
// e.g. fw.bin -> fw_app.bin.
func AppPath(src string) string {
	return withSuffix(src, "_app")
}

// MergedPath returns the conventional path for a merged image built from
// the app binary src, e.g. fw.bin -> fw_merged.bin.
func MergedPath(src string) string {
	return withSuffix(src, "_merged")
}

func withSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
