// Package layout describes the flash address map shared by every board of
// the ESP32-S3 family this tool targets.
package layout

import "fmt"

// Flash addresses for the Arduino ESP32-S3 framework
const (
	BootloaderAddress = 0x0000
	PartitionsAddress = 0x8000
	BootStubAddress   = 0xE000
	AppAddress        = 0x10000
)

// Partition table parameters
const (
	PartitionTableSize = 0xC00 // 3KB
)

// PartitionTableMagic is the first two bytes of every partition table entry.
var PartitionTableMagic = [2]byte{0xAA, 0x50}

// ErasedByte is the value of an erased NOR flash cell.
const ErasedByte = 0xFF

// AppProbeSize is the window read at AppAddress to tell blank flash from an
// installed application.
const AppProbeSize = 256

// Chip and SPI flash parameters passed to esptool
const (
	Chip      = "esp32s3"
	FlashMode = "qio"
	FlashFreq = "80m"
)

// Region is one fixed component slot of a merged image.
type Region struct {
	Name    string
	Address uint32
	// Limit is the first address past the slot, 0 when unbounded.
	Limit uint32
}

// Regions returns the component slots of a merged image in write order.
func Regions() []Region {
	return []Region{
		{Name: "bootloader", Address: BootloaderAddress, Limit: PartitionsAddress},
		{Name: "partitions", Address: PartitionsAddress, Limit: BootStubAddress},
		{Name: "boot_app0", Address: BootStubAddress, Limit: AppAddress},
		{Name: "firmware", Address: AppAddress},
	}
}

// IsErased reports whether every byte of data is the erased flash value.
// An empty slice is not considered erased.
func IsErased(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b != ErasedByte {
			return false
		}
	}
	return true
}

// HasPartitionMagic reports whether data starts with the partition table magic.
func HasPartitionMagic(data []byte) bool {
	return len(data) >= 2 && data[0] == PartitionTableMagic[0] && data[1] == PartitionTableMagic[1]
}

// Hex formats an address the way esptool expects it on the command line.
func Hex(addr uint32) string {
	return fmt.Sprintf("0x%x", addr)
}
