package patch

import (
	"encoding/binary"
	"fmt"
)

// ChecksumKind selects the algorithm of a ChecksumDescriptor.
type ChecksumKind byte

const (
	ChecksumAdditive16 ChecksumKind = iota
	ChecksumCRC16
	ChecksumCRC32
)

func (k ChecksumKind) String() string {
	switch k {
	case ChecksumAdditive16:
		return "additive16"
	case ChecksumCRC16:
		return "crc16"
	case ChecksumCRC32:
		return "crc32"
	default:
		return "unknown"
	}
}

// Additive16 sums all bytes with 16 bit wraparound.
func Additive16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

// CRC16 computes a bitwise MSB-first CRC with the caller's polynomial and
// initial value. CCITT is poly 0x1021, init 0xFFFF.
func CRC16(data []byte, poly, init uint16) uint16 {
	crc := init
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC32 computes a bitwise MSB-first CRC with the caller's polynomial,
// initial value and final xor.
func CRC32(data []byte, poly, init, xorOut uint32) uint32 {
	crc := init
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x8000_0000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc ^ xorOut
}

// ChecksumDescriptor declares one stored checksum: the algorithm, the range
// it covers and where the value lives in the image.
type ChecksumDescriptor struct {
	Name         string
	Kind         ChecksumKind
	RangeStart   uint32
	RangeLength  uint32
	StoreAddress uint32

	// algorithm parameters, ignored by additive16
	Poly   uint32
	Init   uint32
	XorOut uint32
}

// Width returns how many bytes the stored value occupies.
func (d ChecksumDescriptor) Width() uint32 {
	if d.Kind == ChecksumCRC32 {
		return 4
	}
	return 2
}

// Compute evaluates the checksum over its covered range of image and returns
// the big-endian stored form.
func (d ChecksumDescriptor) Compute(image []byte) ([]byte, error) {
	end := uint64(d.RangeStart) + uint64(d.RangeLength)
	if end > uint64(len(image)) {
		return nil, fmt.Errorf("checksum %s: range [0x%X, 0x%X) outside image", d.Name, d.RangeStart, end)
	}
	covered := image[d.RangeStart:end]
	switch d.Kind {
	case ChecksumAdditive16:
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, Additive16(covered))
		return out, nil
	case ChecksumCRC16:
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, CRC16(covered, uint16(d.Poly), uint16(d.Init)))
		return out, nil
	case ChecksumCRC32:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, CRC32(covered, d.Poly, d.Init, d.XorOut))
		return out, nil
	default:
		return nil, &UnknownChecksumKindError{Name: d.Name, Kind: d.Kind}
	}
}

// Stored reads the value currently recorded in the image.
func (d ChecksumDescriptor) Stored(image []byte) ([]byte, error) {
	end := uint64(d.StoreAddress) + uint64(d.Width())
	if end > uint64(len(image)) {
		return nil, fmt.Errorf("checksum %s: store address 0x%X outside image", d.Name, d.StoreAddress)
	}
	return image[d.StoreAddress:end], nil
}
