package esptool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitCodeError) ExitCode() int { return int(e) }

type call struct {
	argv []string
}

type fakeRunner struct {
	calls  []call
	output string
	err    error
	// onRun can write into files named on the command line.
	onRun func(argv []string) error
}

func (f *fakeRunner) run(ctx context.Context, argv []string, out io.Writer) error {
	f.calls = append(f.calls, call{argv: argv})
	io.WriteString(out, f.output)
	if f.onRun != nil {
		if err := f.onRun(argv); err != nil {
			return err
		}
	}
	return f.err
}

func newTool(f *fakeRunner) *Tool {
	return New([]string{"esptool.py"}, WithRunner(f.run))
}

func TestReadFlash_Args(t *testing.T) {
	f := &fakeRunner{
		onRun: func(argv []string) error {
			return os.WriteFile(argv[len(argv)-1], []byte{0xAA, 0x50}, 0o644)
		},
	}
	tool := newTool(f)

	data, err := tool.ReadFlash(context.Background(), "/dev/ttyACM0", 921600, 0x8000, 0xC00, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x50}, data)

	require.Len(t, f.calls, 1)
	argv := f.calls[0].argv
	assert.Equal(t, []string{
		"esptool.py", "--chip", "esp32s3", "--port", "/dev/ttyACM0", "--baud", "921600",
		"read_flash", "0x8000", "3072",
	}, argv[:len(argv)-1])

	_, err = os.Stat(argv[len(argv)-1])
	assert.True(t, os.IsNotExist(err), "temp dump must be removed")
}

func TestReadFlash_ExitError(t *testing.T) {
	f := &fakeRunner{output: "A fatal error occurred: Failed to connect\n", err: exitCodeError(2)}
	tool := newTool(f)

	_, err := tool.ReadFlash(context.Background(), "/dev/ttyUSB0", 460800, 0x10000, 256, time.Second)
	require.Error(t, err)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.Code)
	assert.Contains(t, ee.Output, "Failed to connect")
	assert.Contains(t, err.Error(), "exit status 2")
	assert.Contains(t, err.Error(), "Failed to connect")
}

func TestInvoke_Timeout(t *testing.T) {
	tool := New([]string{"esptool.py"}, WithRunner(func(ctx context.Context, argv []string, out io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	_, err := tool.FlashID(context.Background(), "/dev/ttyACM0", 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestWriteFlash_ArgsAndProgress(t *testing.T) {
	f := &fakeRunner{output: strings.Join([]string{
		"Compressed 1048576 bytes to 600000...",
		"Writing at 0x00010000... (2 %)",
		"Writing at 0x00014000... (50 %)\rWriting at 0x00018000... (100 %)",
		"Wrote 1048576 bytes",
		"",
	}, "\n")}
	tool := newTool(f)

	var seen []int
	req := WriteRequest{Port: "/dev/ttyACM0", Baud: 921600, FlashSize: "16MB", Address: 0x10000, Path: "app.bin"}
	require.NoError(t, tool.WriteFlash(context.Background(), req, func(p int) { seen = append(seen, p) }))

	assert.Equal(t, []int{2, 50, 100}, seen)
	require.Len(t, f.calls, 1)
	assert.Equal(t, append([]string{"esptool.py"}, req.Args()...), f.calls[0].argv)
	assert.Equal(t, []string{"0x10000", "app.bin"}, req.Args()[len(req.Args())-2:])
	assert.Contains(t, req.Args(), "hard_reset")
}

func TestWriteAndErase_IgnoreCancel(t *testing.T) {
	runner := func(ctx context.Context, argv []string, out io.Writer) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	}
	tool := New([]string{"esptool.py"}, WithRunner(runner))

	t.Run("write_flash", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		defer cancel()

		req := WriteRequest{Port: "/dev/ttyACM0", Baud: 921600, FlashSize: "16MB", Address: 0x10000, Path: "app.bin"}
		assert.NoError(t, tool.WriteFlash(ctx, req, nil))
	})

	t.Run("erase_flash", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		defer cancel()

		assert.NoError(t, tool.EraseFlash(ctx, "/dev/ttyACM0", 921600))
	})

	t.Run("flash_id still cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := tool.FlashID(ctx, "/dev/ttyACM0", time.Second)
		assert.Error(t, err)
	})
}

func TestEraseFlash_Failure(t *testing.T) {
	f := &fakeRunner{output: "erase failed", err: exitCodeError(1)}
	tool := newTool(f)

	err := tool.EraseFlash(context.Background(), "/dev/ttyACM0", 921600)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.Code)
	assert.Contains(t, f.calls[0].argv, "erase_flash")
}

func TestMergeBin_Args(t *testing.T) {
	f := &fakeRunner{}
	tool := newTool(f)

	err := tool.MergeBin(context.Background(), "8MB", "out.bin", []Segment{
		{Address: 0x0, Path: "bootloader.bin"},
		{Address: 0x8000, Path: "partitions.bin"},
		{Address: 0xE000, Path: "boot_app0.bin"},
		{Address: 0x10000, Path: "app.bin"},
	})
	require.NoError(t, err)

	argv := f.calls[0].argv
	assert.Equal(t, []string{
		"esptool.py", "--chip", "esp32s3", "merge_bin",
		"--flash_mode", "qio", "--flash_freq", "80m", "--flash_size", "8MB",
		"-o", "out.bin",
		"0x0", "bootloader.bin",
		"0x8000", "partitions.bin",
		"0xe000", "boot_app0.bin",
		"0x10000", "app.bin",
	}, argv)
}

func TestDevice_ReadFlash(t *testing.T) {
	f := &fakeRunner{
		onRun: func(argv []string) error {
			return os.WriteFile(argv[len(argv)-1], []byte{0xFF}, 0o644)
		},
	}
	dev := newTool(f).Device("/dev/ttyACM1", 460800, time.Second)

	data, err := dev.ReadFlash(context.Background(), 0x10000, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, data)
	assert.Equal(t, "/dev/ttyACM1", dev.Port())
	assert.Contains(t, f.calls[0].argv, "460800")
}

func TestDiscover_Explicit(t *testing.T) {
	cmd, err := Discover("python3 /opt/esptool/esptool.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "/opt/esptool/esptool.py"}, cmd)
}

func TestDiscover_NotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	_, err := Discover("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{fn: func(s string) { lines = append(lines, s) }}

	io.WriteString(w, "one\ntw")
	io.WriteString(w, "o\r\nthree\r")
	io.WriteString(w, "partial")

	assert.Equal(t, []string{"one", "two", "three"}, lines)
}
