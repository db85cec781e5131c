package image

import (
	"fmt"
	"io"
	"os"

	"github.com/bigbag/rnode-flasher/internal/atomicfile"
	"github.com/bigbag/rnode-flasher/internal/layout"
)

// ExtractApp copies everything from the application offset to the end of
// a merged image into dest. The source is never modified and dest is only
// created once the full copy succeeded.
func ExtractApp(src, dest string) (int64, error) {
	if sameFile(src, dest) {
		return 0, &ExtractError{Source: src, Dest: dest, Err: fmt.Errorf("destination is the source image")}
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, &ExtractError{Source: src, Dest: dest, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, &ExtractError{Source: src, Dest: dest, Err: err}
	}
	if info.Size() <= layout.AppAddress {
		return 0, &ImageTooSmallError{Path: src, Size: info.Size(), Min: layout.AppAddress}
	}

	var n int64
	err = atomicfile.Write(dest, func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, io.NewSectionReader(f, layout.AppAddress, info.Size()-layout.AppAddress))
		return err
	})
	if err != nil {
		return 0, &ExtractError{Source: src, Dest: dest, Err: err}
	}
	return n, nil
}
