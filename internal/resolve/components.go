package resolve

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/image"
)

const (
	bootloaderBin = "bootloader.bin"
	partitionsBin = "partitions.bin"
	bootStubBin   = "boot_app0.bin"
)

// Locator finds boot components on the local machine.
type Locator struct {
	// ProjectDir is the PlatformIO project root holding .pio/build.
	ProjectDir string
	// ToolDir holds the bundled Release/ directory.
	ToolDir string
	// PIOHome is the PlatformIO home, usually ~/.platformio.
	PIOHome string
	// Extra directories searched last.
	Extra []string
}

// Find returns the boot components for p. Components that cannot be found
// are left empty; App is never set.
func (l Locator) Find(p board.Profile) image.Components {
	buildDir := filepath.Join(l.ProjectDir, p.BuildDir)
	return image.Components{
		Bootloader: firstFile(l.candidates(buildDir, bootloaderBin)...),
		Partitions: firstFile(l.candidates(buildDir, partitionsBin)...),
		BootStub:   firstFile(l.bootStubCandidates()...),
	}
}

// PartitionTable reads the reference partition table for p, or returns nil
// when none is available locally.
func (l Locator) PartitionTable(p board.Profile) []byte {
	path := l.Find(p).Partitions
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

func (l Locator) candidates(buildDir, name string) []string {
	paths := []string{filepath.Join(buildDir, name)}
	if l.ToolDir != "" {
		paths = append(paths, filepath.Join(l.ToolDir, "Release", name))
	}
	for _, dir := range l.Extra {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths
}

func (l Locator) bootStubCandidates() []string {
	var paths []string
	if l.PIOHome != "" {
		pkgs := filepath.Join(l.PIOHome, "packages")
		paths = append(paths, stubPath(filepath.Join(pkgs, "framework-arduinoespressif32")))

		// Versioned package dirs, e.g. framework-arduinoespressif32@3.20009.0
		entries, _ := os.ReadDir(pkgs)
		var names []string
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), "framework-arduinoespressif32") {
				names = append(names, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		for _, n := range names {
			paths = append(paths, stubPath(filepath.Join(pkgs, n)))
		}
	}
	if l.ToolDir != "" {
		paths = append(paths, filepath.Join(l.ToolDir, "Release", bootStubBin))
	}
	for _, dir := range l.Extra {
		paths = append(paths, filepath.Join(dir, bootStubBin))
	}
	return paths
}

func stubPath(framework string) string {
	return filepath.Join(framework, "tools", "partitions", bootStubBin)
}

func firstFile(paths ...string) string {
	for _, p := range paths {
		if isFile(p) {
			return p
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
