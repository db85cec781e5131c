package layout

import "testing"

func TestIsErased(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty", nil, false},
		{"all erased", []byte{0xFF, 0xFF, 0xFF}, true},
		{"one programmed byte", []byte{0xFF, 0xE9, 0xFF}, false},
		{"zeros", make([]byte, 16), false},
	}

	for _, tc := range tests {
		if got := IsErased(tc.data); got != tc.want {
			t.Errorf("IsErased(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHasPartitionMagic(t *testing.T) {
	tests := []struct {
		data []byte
		want bool
	}{
		{[]byte{0xAA, 0x50, 0x01}, true},
		{[]byte{0xAA, 0x50}, true},
		{[]byte{0xAA}, false},
		{[]byte{0x50, 0xAA}, false},
		{[]byte{0xFF, 0xFF}, false},
	}

	for _, tc := range tests {
		if got := HasPartitionMagic(tc.data); got != tc.want {
			t.Errorf("HasPartitionMagic(% X) = %v, want %v", tc.data, got, tc.want)
		}
	}
}

func TestRegions_Ordered(t *testing.T) {
	regions := Regions()
	if len(regions) != 4 {
		t.Fatalf("Regions() returned %d regions, want 4", len(regions))
	}
	for i := 1; i < len(regions); i++ {
		if regions[i].Address <= regions[i-1].Address {
			t.Errorf("region %s at 0x%X is not after %s at 0x%X",
				regions[i].Name, regions[i].Address, regions[i-1].Name, regions[i-1].Address)
		}
		if regions[i-1].Limit != regions[i].Address {
			t.Errorf("region %s limit 0x%X, want 0x%X", regions[i-1].Name, regions[i-1].Limit, regions[i].Address)
		}
	}
	if regions[3].Address != AppAddress {
		t.Errorf("firmware region address = 0x%X, want 0x%X", regions[3].Address, AppAddress)
	}
}

func TestHex(t *testing.T) {
	tests := []struct {
		addr uint32
		want string
	}{
		{BootloaderAddress, "0x0"},
		{PartitionsAddress, "0x8000"},
		{BootStubAddress, "0xe000"},
		{AppAddress, "0x10000"},
	}

	for _, tc := range tests {
		if got := Hex(tc.addr); got != tc.want {
			t.Errorf("Hex(0x%X) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
