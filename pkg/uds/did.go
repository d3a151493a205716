package uds

import (
	"fmt"

	"github.com/albenik/bcd"
)

// DecodeBCD renders a BCD coded identifier value (part numbers, dates) as a
// digit string.
func DecodeBCD(data []byte) string {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, '0'+b>>4, '0'+b&0x0F)
	}
	return string(out)
}

// DecodeBCDDate parses a 4 byte BCD programming date (yyyymmdd).
func DecodeBCDDate(data []byte) (string, error) {
	if len(data) != 4 {
		return "", fmt.Errorf("bcd date must be 4 bytes, got %d", len(data))
	}
	year := bcd.ToUint16(data[:2])
	return fmt.Sprintf("%04d-%02d-%02d", year, bcd.ToUint8(data[2]), bcd.ToUint8(data[3])), nil
}
