package plan

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/rnode-flasher/internal/image"
	"github.com/bigbag/rnode-flasher/internal/layout"
	"github.com/bigbag/rnode-flasher/internal/probe"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func appImage() []byte {
	return bytes.Repeat([]byte{0xE9, 0x01}, 0x800)
}

func mergedImage() []byte {
	data := bytes.Repeat([]byte{0xFF}, layout.AppAddress+0x1000)
	copy(data[layout.PartitionsAddress:], layout.PartitionTableMagic[:])
	copy(data[layout.AppAddress:], appImage())
	return data
}

func bootComponents(t *testing.T, dir string) image.Components {
	t.Helper()
	table := make([]byte, layout.PartitionTableSize)
	copy(table, layout.PartitionTableMagic[:])
	return image.Components{
		Bootloader: writeFile(t, dir, "bootloader.bin", bytes.Repeat([]byte{0xB0}, 0x100)),
		Partitions: writeFile(t, dir, "partitions.bin", table),
		BootStub:   writeFile(t, dir, "boot_app0.bin", bytes.Repeat([]byte{0x0A}, 0x40)),
	}
}

func TestResolve(t *testing.T) {
	healthy := &probe.Result{AppPresent: true, Table: probe.TableMatch}

	tests := []struct {
		name   string
		req    Request
		mode   Mode
		reason Reason
	}{
		{"requested full", Request{RequestedFull: true, Probe: healthy}, Full, ReasonRequested},
		{"erase", Request{Erase: true}, Full, ReasonErase},
		{"full without probe", Request{RequestedFull: true}, Full, ReasonRequested},
		{"no app", Request{Probe: &probe.Result{AppPresent: false}}, Full, ReasonNoApp},
		{"no app wins over table", Request{Probe: &probe.Result{Table: probe.TableMismatch}}, Full, ReasonNoApp},
		{"table mismatch", Request{Probe: &probe.Result{AppPresent: true, Table: probe.TableMismatch}}, Full, ReasonPartitionTable},
		{"table missing", Request{Probe: &probe.Result{AppPresent: true, Table: probe.TableMissing}}, Full, ReasonPartitionTable},
		{"table unknown", Request{Probe: &probe.Result{AppPresent: true, Table: probe.TableUnknown}}, AppOnly, ReasonDeviceOK},
		{"operator opt-in", Request{Probe: healthy, EraseOptIn: true}, Full, ReasonOperator},
		{"healthy device", Request{Probe: healthy}, AppOnly, ReasonDeviceOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, reason := Resolve(tt.req)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestDecide_AppOnlyCandidateToAppOnly(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "firmware.bin", appImage())

	p, err := NewEngine(image.Components{}).Decide(Request{
		Candidate: app,
		Probe:     &probe.Result{AppPresent: true, Table: probe.TableMatch},
	})
	require.NoError(t, err)

	want := &Plan{
		Mode:    AppOnly,
		Reason:  ReasonDeviceOK,
		Address: layout.AppAddress,
		Image:   app,
		Source:  app,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("Decide() mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, p.Derived())
}

func TestDecide_MergedCandidateToFull(t *testing.T) {
	dir := t.TempDir()
	merged := writeFile(t, dir, "rnode_merged.bin", mergedImage())

	p, err := NewEngine(image.Components{}).Decide(Request{
		Candidate: merged,
		Probe:     &probe.Result{AppPresent: false},
	})
	require.NoError(t, err)

	want := &Plan{
		Mode:    Full,
		Reason:  ReasonNoApp,
		Address: layout.BootloaderAddress,
		Image:   merged,
		Source:  merged,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("Decide() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecide_MergedCandidateToAppOnlyExtracts(t *testing.T) {
	dir := t.TempDir()
	merged := writeFile(t, dir, "rnode.bin", mergedImage())

	p, err := NewEngine(image.Components{}).Decide(Request{
		Candidate: merged,
		Probe:     &probe.Result{AppPresent: true, Table: probe.TableMatch},
	})
	require.NoError(t, err)

	assert.Equal(t, AppOnly, p.Mode)
	assert.Equal(t, uint32(layout.AppAddress), p.Address)
	assert.Equal(t, filepath.Join(dir, "rnode_app.bin"), p.Image)
	assert.True(t, p.Derived())

	got, err := os.ReadFile(p.Image)
	require.NoError(t, err)
	assert.Equal(t, mergedImage()[layout.AppAddress:], got)

	kind, err := image.Classify(p.Image)
	require.NoError(t, err)
	assert.Equal(t, image.AppOnly, kind)
}

func TestDecide_AppOnlyCandidateToFullMerges(t *testing.T) {
	dir := t.TempDir()
	boot := bootComponents(t, t.TempDir())
	app := writeFile(t, dir, "rnode.bin", appImage())

	p, err := NewEngine(boot).Decide(Request{Candidate: app, RequestedFull: true})
	require.NoError(t, err)

	assert.Equal(t, Full, p.Mode)
	assert.Equal(t, ReasonRequested, p.Reason)
	assert.Equal(t, uint32(layout.BootloaderAddress), p.Address)
	assert.Equal(t, filepath.Join(dir, "rnode_merged.bin"), p.Image)

	kind, err := image.Classify(p.Image)
	require.NoError(t, err)
	assert.Equal(t, image.Merged, kind)

	data, err := os.ReadFile(p.Image)
	require.NoError(t, err)
	assert.Equal(t, appImage(), data[layout.AppAddress:])
}

func TestDecide_WorkDir(t *testing.T) {
	src := t.TempDir()
	work := t.TempDir()
	app := writeFile(t, src, "rnode.bin", appImage())

	p, err := NewEngine(bootComponents(t, t.TempDir()), WithWorkDir(work)).Decide(Request{
		Candidate: app,
		Erase:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(work, "rnode_merged.bin"), p.Image)
	assert.True(t, p.Erase)
	assert.NoFileExists(t, filepath.Join(src, "rnode_merged.bin"))
}

func TestDecide_CannotComposeFullImage(t *testing.T) {
	dir := t.TempDir()
	boot := bootComponents(t, t.TempDir())
	boot.BootStub = filepath.Join(dir, "boot_app0.bin")
	app := writeFile(t, dir, "rnode.bin", appImage())

	_, err := NewEngine(boot).Decide(Request{
		Candidate: app,
		Probe:     &probe.Result{AppPresent: true, Table: probe.TableMismatch},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCannotComposeFullImage)
	assert.ErrorIs(t, err, image.ErrMissingComponent)

	var missing *image.MissingComponentError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "boot_app0", missing.Name)
	assert.NoFileExists(t, filepath.Join(dir, "rnode_merged.bin"))
}

func TestDecide_EraseOnlyWhenRequested(t *testing.T) {
	dir := t.TempDir()
	merged := writeFile(t, dir, "rnode.bin", mergedImage())

	for _, req := range []Request{
		{Candidate: merged, RequestedFull: true},
		{Candidate: merged, Probe: &probe.Result{AppPresent: false}},
		{Candidate: merged, Probe: &probe.Result{AppPresent: true}, EraseOptIn: true},
	} {
		p, err := NewEngine(image.Components{}).Decide(req)
		require.NoError(t, err)
		assert.Equal(t, Full, p.Mode)
		assert.False(t, p.Erase, "reason %s", p.Reason)
	}
}

func TestDecide_MissingCandidate(t *testing.T) {
	_, err := NewEngine(image.Components{}).Decide(Request{
		Candidate:     filepath.Join(t.TempDir(), "missing.bin"),
		RequestedFull: true,
	})
	assert.ErrorIs(t, err, image.ErrClassifyFailed)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "full", Full.String())
	assert.Equal(t, "app-only", AppOnly.String())
	assert.Equal(t, "undetermined", Undetermined.String())
}
