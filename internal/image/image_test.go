package image

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/rnode-flasher/internal/layout"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func mergedFixture(size int) []byte {
	data := bytes.Repeat([]byte{0xFF}, size)
	data[layout.PartitionsAddress] = 0xAA
	data[layout.PartitionsAddress+1] = 0x50
	return data
}

func TestClassify_SmallFilesAreAppOnly(t *testing.T) {
	dir := t.TempDir()
	sizes := []int{0, 1, 0x100, layout.PartitionsAddress, layout.PartitionsAddress + 1}

	for _, size := range sizes {
		data := bytes.Repeat([]byte{0xAA}, size)
		path := writeFile(t, dir, "small.bin", data)

		kind, err := Classify(path)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, AppOnly, kind, "size %d", size)
	}
}

func TestClassify_MagicAtOffset(t *testing.T) {
	dir := t.TempDir()

	path := writeFile(t, dir, "merged.bin", mergedFixture(layout.PartitionsAddress+2))
	kind, err := Classify(path)
	require.NoError(t, err)
	assert.Equal(t, Merged, kind)

	for i := 0; i < 2; i++ {
		data := mergedFixture(layout.AppAddress + 16)
		data[layout.PartitionsAddress+i] ^= 0x01
		path := writeFile(t, dir, "flipped.bin", data)

		kind, err := Classify(path)
		require.NoError(t, err)
		assert.Equal(t, AppOnly, kind, "flipped magic byte %d", i)
	}
}

func TestClassify_IgnoresName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "firmware_merged.bin", bytes.Repeat([]byte{0xE9}, layout.AppAddress))

	kind, err := Classify(path)
	require.NoError(t, err)
	assert.Equal(t, AppOnly, kind)
}

func TestClassify_Failure(t *testing.T) {
	dir := t.TempDir()

	_, err := Classify(filepath.Join(dir, "missing.bin"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassifyFailed))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = Classify(dir)
	assert.True(t, errors.Is(err, ErrClassifyFailed))
}

func TestKind_WriteAddress(t *testing.T) {
	assert.Equal(t, uint32(layout.BootloaderAddress), Merged.WriteAddress())
	assert.Equal(t, uint32(layout.AppAddress), AppOnly.WriteAddress())
	assert.Equal(t, "merged", Merged.String())
	assert.Equal(t, "app-only", AppOnly.String())
}

func TestMerge_ExtractRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 8; i++ {
		dir := t.TempDir()
		boot := randomBytes(rng, 1+rng.Intn(layout.PartitionsAddress))
		parts := randomBytes(rng, 1+rng.Intn(layout.PartitionTableSize))
		stub := randomBytes(rng, 1+rng.Intn(layout.AppAddress-layout.BootStubAddress))
		app := randomBytes(rng, 1+rng.Intn(64*1024))

		c := Components{
			Bootloader: writeFile(t, dir, "bootloader.bin", boot),
			Partitions: writeFile(t, dir, "partitions.bin", parts),
			BootStub:   writeFile(t, dir, "boot_app0.bin", stub),
			App:        writeFile(t, dir, "app.bin", app),
		}

		merged := filepath.Join(dir, "merged.bin")
		res, err := Merge(merged, c)
		require.NoError(t, err)
		assert.Equal(t, int64(layout.AppAddress+len(app)), res.Size)

		extracted := AppPath(merged)
		n, err := ExtractApp(merged, extracted)
		require.NoError(t, err)
		assert.Equal(t, int64(len(app)), n)

		got, err := os.ReadFile(extracted)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(app, got), "iteration %d: extracted app differs", i)
	}
}

func TestMerge_Layout(t *testing.T) {
	dir := t.TempDir()
	c := Components{
		Bootloader: writeFile(t, dir, "bootloader.bin", []byte{0x01, 0x02}),
		Partitions: writeFile(t, dir, "partitions.bin", []byte{0xAA, 0x50, 0x03}),
		BootStub:   writeFile(t, dir, "boot_app0.bin", []byte{0x04}),
		App:        writeFile(t, dir, "app.bin", []byte{0xE9, 0x05}),
	}

	out := filepath.Join(dir, "merged.bin")
	_, err := Merge(out, c)
	require.NoError(t, err)

	img, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, img, layout.AppAddress+2)

	assert.Equal(t, []byte{0x01, 0x02}, img[0:2])
	assert.Equal(t, []byte{0xAA, 0x50, 0x03}, img[layout.PartitionsAddress:layout.PartitionsAddress+3])
	assert.Equal(t, byte(0x04), img[layout.BootStubAddress])
	assert.Equal(t, []byte{0xE9, 0x05}, img[layout.AppAddress:])

	// NVS gap between partition table and boot_app0 is blank
	assert.True(t, layout.IsErased(img[layout.PartitionsAddress+layout.PartitionTableSize:layout.BootStubAddress]))
	assert.True(t, layout.IsErased(img[2:layout.PartitionsAddress]))

	kind, err := Classify(out)
	require.NoError(t, err)
	assert.Equal(t, Merged, kind)
}

func TestMerge_MissingComponentOrder(t *testing.T) {
	dir := t.TempDir()
	full := Components{
		Bootloader: writeFile(t, dir, "bootloader.bin", []byte{1}),
		Partitions: writeFile(t, dir, "partitions.bin", []byte{2}),
		BootStub:   writeFile(t, dir, "boot_app0.bin", []byte{3}),
		App:        writeFile(t, dir, "app.bin", []byte{4}),
	}
	absent := filepath.Join(dir, "absent.bin")

	tests := []struct {
		name   string
		mutate func(c *Components)
		want   string
	}{
		{"bootloader only", func(c *Components) { c.Bootloader = absent }, "bootloader"},
		{"partitions only", func(c *Components) { c.Partitions = absent }, "partitions"},
		{"boot stub only", func(c *Components) { c.BootStub = "" }, "boot_app0"},
		{"app only", func(c *Components) { c.App = absent }, "firmware"},
		{"bootloader and app", func(c *Components) { c.Bootloader = ""; c.App = absent }, "bootloader"},
		{"stub and app", func(c *Components) { c.BootStub = absent; c.App = absent }, "boot_app0"},
	}

	for _, tc := range tests {
		c := full
		tc.mutate(&c)
		out := filepath.Join(dir, "out.bin")

		_, err := Merge(out, c)
		require.Error(t, err, tc.name)
		assert.True(t, errors.Is(err, ErrMissingComponent), tc.name)

		var mce *MissingComponentError
		require.True(t, errors.As(err, &mce), tc.name)
		assert.Equal(t, tc.want, mce.Name, tc.name)

		_, statErr := os.Stat(out)
		assert.True(t, os.IsNotExist(statErr), "%s: output must not exist", tc.name)
	}
}

func TestMerge_EmptyComponentIsMissing(t *testing.T) {
	dir := t.TempDir()
	c := Components{
		Bootloader: writeFile(t, dir, "bootloader.bin", []byte{1}),
		Partitions: writeFile(t, dir, "partitions.bin", nil),
		BootStub:   writeFile(t, dir, "boot_app0.bin", []byte{3}),
		App:        writeFile(t, dir, "app.bin", []byte{4}),
	}

	_, err := Merge(filepath.Join(dir, "out.bin"), c)
	var mce *MissingComponentError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, "partitions", mce.Name)
}

func TestMerge_ComponentOverflow(t *testing.T) {
	dir := t.TempDir()
	c := Components{
		Bootloader: writeFile(t, dir, "bootloader.bin", make([]byte, layout.PartitionsAddress+1)),
		Partitions: writeFile(t, dir, "partitions.bin", []byte{2}),
		BootStub:   writeFile(t, dir, "boot_app0.bin", []byte{3}),
		App:        writeFile(t, dir, "app.bin", []byte{4}),
	}

	_, err := Merge(filepath.Join(dir, "out.bin"), c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrComponentOverflow))

	var coe *ComponentOverflowError
	require.True(t, errors.As(err, &coe))
	assert.Equal(t, "bootloader", coe.Name)
	assert.Equal(t, int64(layout.PartitionsAddress), coe.MaxSize)
}

func TestExtractApp_TooSmall(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "merged.bin", mergedFixture(layout.AppAddress))
	dest := AppPath(src)

	_, err := ExtractApp(src, dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImageTooSmall))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractApp_SourceUntouched(t *testing.T) {
	dir := t.TempDir()
	data := mergedFixture(layout.AppAddress + 4)
	copy(data[layout.AppAddress:], []byte{1, 2, 3, 4})
	src := writeFile(t, dir, "merged.bin", data)

	_, err := ExtractApp(src, AppPath(src))
	require.NoError(t, err)

	// Extraction can be repeated from the same source
	_, err = ExtractApp(src, AppPath(src))
	require.NoError(t, err)

	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestExtractApp_Failures(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "merged.bin", mergedFixture(layout.AppAddress+4))

	_, err := ExtractApp(src, src)
	assert.True(t, errors.Is(err, ErrExtractFailed))

	_, err = ExtractApp(filepath.Join(dir, "missing.bin"), filepath.Join(dir, "out.bin"))
	assert.True(t, errors.Is(err, ErrExtractFailed))

	dest := filepath.Join(dir, "no-such-dir", "out.bin")
	_, err = ExtractApp(src, dest)
	assert.True(t, errors.Is(err, ErrExtractFailed))
}

func TestDerivedPaths(t *testing.T) {
	tests := []struct {
		fn   func(string) string
		in   string
		want string
	}{
		{AppPath, "cache/rnodethv4_firmware.bin", "cache/rnodethv4_firmware_app.bin"},
		{AppPath, "firmware", "firmware_app"},
		{MergedPath, "build/app.bin", "build/app_merged.bin"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.fn(tc.in))
	}
}
