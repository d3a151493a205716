package uds

import "testing"

func TestDecodeBCD(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"part number", []byte{0x55, 0x67, 0x71, 0x23}, "55677123"},
		{"empty", nil, ""},
		{"single byte", []byte{0x09}, "09"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeBCD(tt.data); got != tt.want {
				t.Errorf("DecodeBCD(%X) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}

func TestDecodeBCDDate(t *testing.T) {
	got, err := DecodeBCDDate([]byte{0x20, 0x24, 0x06, 0x15})
	if err != nil {
		t.Fatalf("DecodeBCDDate() error: %v", err)
	}
	if got != "2024-06-15" {
		t.Errorf("DecodeBCDDate() = %q, want 2024-06-15", got)
	}
	if _, err := DecodeBCDDate([]byte{0x20, 0x24}); err == nil {
		t.Error("DecodeBCDDate(short) error = nil, want error")
	}
}
