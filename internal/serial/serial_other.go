//go:build !linux && !darwin

package serial

// usbPatterns is empty; ports come from the system enumerator only.
var usbPatterns []string
