//go:build linux

package serial

// usbPatterns are the device nodes of USB CDC and USB-UART bridges.
var usbPatterns = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}
