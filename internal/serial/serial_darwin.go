//go:build darwin

package serial

var usbPatterns = []string{
	"/dev/cu.usbmodem*",
	"/dev/tty.usbmodem*",
	"/dev/cu.usbserial*",
	"/dev/cu.SLAB*",
}
