package embedded

import (
	_ "embed"
)

//go:embed boards.yaml
var boards []byte

// Boards returns the embedded board profile table.
func Boards() []byte {
	return boards
}
