package serial

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// TouchBaudRate is the baud rate that makes ESP32-S3 native USB boards
// enter download mode when the port is opened and DTR is toggled.
const TouchBaudRate = 1200

// ReenumerateDelay is how long a board takes to come back after a touch
// reset.
const ReenumerateDelay = 3 * time.Second

// HardResetBaudRate is the baud rate used to open a port for a hard reset.
const HardResetBaudRate = 115200

// Port wraps a serial port with ESP32-specific functionality.
type Port struct {
	port serial.Port
}

// Package-level hooks so tests can run without hardware.
var (
	openPort   = func(name string, mode *serial.Mode) (serial.Port, error) { return serial.Open(name, mode) }
	portsList  = serial.GetPortsList
	globPorts  = filepath.Glob
	detailList = enumerator.GetDetailedPortsList
	sleep      = time.Sleep
)

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := openPort(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	return &Port{port: port}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// HardReset pulses RTS, which pulls EN low and restarts the board into
// its application.
func (p *Port) HardReset() error {
	if err := p.port.SetRTS(true); err != nil {
		return err
	}
	sleep(100 * time.Millisecond)
	return p.port.SetRTS(false)
}

// HardReset opens portName and restarts the board without entering the
// bootloader.
func HardReset(portName string) error {
	p, err := Open(portName, HardResetBaudRate)
	if err != nil {
		return err
	}
	if err := p.HardReset(); err != nil {
		p.Close()
		return fmt.Errorf("failed to toggle RTS on %s: %w", portName, err)
	}
	return p.Close()
}

// TouchReset opens portName at 1200 baud and pulses DTR, which puts an
// unresponsive native USB board into download mode. It does not wait for
// the board to re-enumerate; see ReenumerateDelay.
func TouchReset(portName string) error {
	p, err := Open(portName, TouchBaudRate)
	if err != nil {
		return err
	}

	steps := []bool{false, true, false}
	for i, v := range steps {
		if err := p.SetDTR(v); err != nil {
			p.Close()
			return fmt.Errorf("failed to toggle DTR on %s: %w", portName, err)
		}
		if i < len(steps)-1 {
			sleep(100 * time.Millisecond)
		}
	}
	return p.Close()
}

// ListPorts returns the serial ports a board may be attached to, sorted.
// USB device nodes matched by the platform patterns come first, followed
// by any other ports the system reports.
func ListPorts() ([]string, error) {
	seen := make(map[string]bool)
	var usb []string
	for _, pattern := range usbPatterns {
		matches, err := globPorts(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				usb = append(usb, m)
			}
		}
	}
	sort.Strings(usb)

	ports, err := portsList()
	if err != nil && len(usb) == 0 {
		return nil, err
	}

	var rest []string
	for _, p := range ports {
		if !seen[p] {
			seen[p] = true
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)

	return append(usb, rest...), nil
}

// PortDetails describes a port as reported by the USB enumerator.
type PortDetails struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Describe returns enumerator details for every port, sorted by name.
func Describe() ([]PortDetails, error) {
	list, err := detailList()
	if err != nil {
		return nil, err
	}

	details := make([]PortDetails, 0, len(list))
	for _, p := range list {
		details = append(details, PortDetails{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return details, nil
}
