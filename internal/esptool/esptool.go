// Package esptool drives the external esptool utility as a subprocess.
package esptool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/layout"
)

// Runner executes argv and streams its combined stdout/stderr into out.
// A non-zero exit must be reported as an *exec.ExitError (or any error
// exposing ExitCode() int).
type Runner func(ctx context.Context, argv []string, out io.Writer) error

// ProgressCallback is called with the write progress in percent.
type ProgressCallback func(percent int)

// Tool is a located esptool command.
type Tool struct {
	cmd    []string
	run    Runner
	logger *zap.Logger
}

// Option configures a Tool.
type Option func(*Tool)

// WithRunner replaces the subprocess runner.
func WithRunner(r Runner) Option {
	return func(t *Tool) {
		t.run = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tool) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Tool that invokes cmd (e.g. ["esptool.py"] or
// ["python3", "/path/esptool.py"]).
func New(cmd []string, opts ...Option) *Tool {
	t := &Tool{
		cmd:    cmd,
		run:    execRunner,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Command returns the base command line.
func (t *Tool) Command() []string {
	return append([]string(nil), t.cmd...)
}

func execRunner(ctx context.Context, argv []string, out io.Writer) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

// Discover locates esptool. An explicit command line wins; otherwise a
// pip-installed esptool on PATH, then PlatformIO's bundled copy run through
// a Python interpreter.
func Discover(explicit string) ([]string, error) {
	if fields := strings.Fields(explicit); len(fields) > 0 {
		return fields, nil
	}

	for _, name := range []string{"esptool.py", "esptool"} {
		if path, err := exec.LookPath(name); err == nil {
			return []string{path}, nil
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		script := filepath.Join(home, ".platformio", "packages", "tool-esptoolpy", "esptool.py")
		if _, err := os.Stat(script); err == nil {
			for _, py := range []string{"python3", "python"} {
				if path, err := exec.LookPath(py); err == nil {
					return []string{path, script}, nil
				}
			}
		}
	}

	return nil, ErrNotFound
}

// invoke runs esptool with args. A zero timeout means no limit.
func (t *Tool) invoke(ctx context.Context, timeout time.Duration, args []string, onLine func(string)) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := append(t.Command(), args...)
	var buf bytes.Buffer
	var out io.Writer = &buf
	if onLine != nil {
		out = io.MultiWriter(&buf, &lineWriter{fn: onLine})
	}

	start := time.Now()
	err := t.run(ctx, argv, out)
	t.logger.Debug("esptool finished",
		zap.Strings("args", args),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))

	if err == nil {
		return buf.String(), nil
	}

	exitErr := &ExitError{Args: argv, Code: -1, Output: buf.String(), Err: err}
	if ctx.Err() == context.DeadlineExceeded {
		exitErr.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		return buf.String(), exitErr
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		exitErr.Code = coder.ExitCode()
	}
	return buf.String(), exitErr
}

// FlashID queries chip type, features and flash size.
func (t *Tool) FlashID(ctx context.Context, port string, timeout time.Duration) (string, error) {
	return t.invoke(ctx, timeout, []string{"--port", port, "flash_id"}, nil)
}

// ReadFlash reads length bytes starting at offset.
func (t *Tool) ReadFlash(ctx context.Context, port string, baud int, offset, length uint32, timeout time.Duration) ([]byte, error) {
	tmp, err := os.CreateTemp("", "rnode-read-*.bin")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	args := []string{
		"--chip", layout.Chip,
		"--port", port,
		"--baud", strconv.Itoa(baud),
		"read_flash",
		layout.Hex(offset),
		strconv.FormatUint(uint64(length), 10),
		tmp.Name(),
	}
	if _, err := t.invoke(ctx, timeout, args, nil); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read flash dump: %w", err)
	}
	return data, nil
}

// WriteRequest describes one write_flash invocation.
type WriteRequest struct {
	Port      string
	Baud      int
	FlashSize string
	Address   uint32
	Path      string
}

// Args returns the esptool arguments for the request.
func (r WriteRequest) Args() []string {
	return []string{
		"--chip", layout.Chip,
		"--port", r.Port,
		"--baud", strconv.Itoa(r.Baud),
		"--before", "default_reset",
		"--after", "hard_reset",
		"write_flash",
		"-z",
		"--flash_mode", layout.FlashMode,
		"--flash_freq", layout.FlashFreq,
		"--flash_size", r.FlashSize,
		layout.Hex(r.Address), r.Path,
	}
}

var progressRe = regexp.MustCompile(`(\d{1,3})(?:\.\d+)?\s*%`)

// WriteFlash writes an image. It has no timeout and ignores cancellation of
// ctx: once a write starts it runs to completion or failure.
func (t *Tool) WriteFlash(ctx context.Context, req WriteRequest, progress ProgressCallback) error {
	onLine := func(line string) {
		if progress == nil || !strings.Contains(line, "Writing at") {
			return
		}
		m := progressRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		if pct, err := strconv.Atoi(m[1]); err == nil && pct <= 100 {
			progress(pct)
		}
	}
	_, err := t.invoke(context.WithoutCancel(ctx), 0, req.Args(), onLine)
	return err
}

// EraseFlash erases the entire flash chip. Like WriteFlash it is not
// interrupted by cancellation of ctx.
func (t *Tool) EraseFlash(ctx context.Context, port string, baud int) error {
	args := []string{
		"--chip", layout.Chip,
		"--port", port,
		"--baud", strconv.Itoa(baud),
		"erase_flash",
	}
	_, err := t.invoke(context.WithoutCancel(ctx), 0, args, nil)
	return err
}

// Segment is one input of MergeBin.
type Segment struct {
	Address uint32
	Path    string
}

// MergeBin combines segments into output with esptool's own merger.
func (t *Tool) MergeBin(ctx context.Context, flashSize, output string, segments []Segment) error {
	args := []string{
		"--chip", layout.Chip,
		"merge_bin",
		"--flash_mode", layout.FlashMode,
		"--flash_freq", layout.FlashFreq,
		"--flash_size", flashSize,
		"-o", output,
	}
	for _, s := range segments {
		args = append(args, layout.Hex(s.Address), s.Path)
	}
	_, err := t.invoke(ctx, 0, args, nil)
	return err
}

// Device binds the tool to one serial port.
type Device struct {
	tool    *Tool
	port    string
	baud    int
	timeout time.Duration
}

// Device returns a handle for reads against the device on port. Each read
// is limited by timeout.
func (t *Tool) Device(port string, baud int, timeout time.Duration) *Device {
	return &Device{tool: t, port: port, baud: baud, timeout: timeout}
}

// ReadFlash reads length bytes starting at offset.
func (d *Device) ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error) {
	return d.tool.ReadFlash(ctx, d.port, d.baud, offset, length, d.timeout)
}

// Port returns the serial port name.
func (d *Device) Port() string {
	return d.port
}

// lineWriter splits a byte stream on \n and \r and calls fn per line.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if len(w.buf) > 0 {
				w.fn(string(w.buf))
				w.buf = w.buf[:0]
			}
			continue
		}
		w.buf = append(w.buf, b)
	}
	return len(p), nil
}
