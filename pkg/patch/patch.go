// Package patch builds modified calibration images from byte-range changes,
// keeps the stored region checksums consistent and validates the result
// against caller-supplied safety limits before anything touches an ECU.
package patch

import (
	"bytes"
	"fmt"

	"github.com/ecutools/canflash/pkg/uds"
)

// Category is the logical map a change belongs to, used to pick safety
// limits. The well-known ones map to physical units.
type Category string

const (
	CategoryIgnition Category = "ignition-advance"
	CategoryBoost    Category = "boost-pressure"
	CategoryFuel     Category = "target-mixture"
	CategoryOther    Category = "other"
)

// MapChange is one byte-range edit: New replaces the bytes at Address (an
// offset into the target image). Original, when present, must match the image
// before the change is applied.
type MapChange struct {
	Address  uint32
	Original []byte
	New      []byte
	Category Category
}

// MemoryRegion names an address window of the ECU with its write policy.
type MemoryRegion struct {
	Name        string
	Base        uint32
	Length      uint32
	Description string
	MinLevel    uds.SecurityLevel
	Writable    bool
}

// Contains reports whether [addr, addr+size) falls entirely inside the region.
func (r MemoryRegion) Contains(addr uint32, size int) bool {
	return addr >= r.Base && uint64(addr)+uint64(size) <= uint64(r.Base)+uint64(r.Length)
}

// Limit bounds the byte values a category may take after patching.
type Limit struct {
	Min byte
	Max byte
}

// SafetyLimits maps categories to their allowed value range. Categories
// without an entry are not limit-checked.
type SafetyLimits map[Category]Limit

type byteRange struct {
	start uint32
	end   uint32 // exclusive
}

func (a byteRange) overlaps(b byteRange) bool {
	return a.start < b.end && b.start < a.end
}

// PatchResult is a fully built image with bookkeeping for validation and
// reporting.
type PatchResult struct {
	Image      []byte
	Changes    []MapChange
	Recomputed []string // names of checksum descriptors that were updated

	modified []byteRange
}

// BuildPatch applies changes to a copy of base and recomputes every
// descriptor whose covered range overlaps a modified byte. The batch is
// all-or-nothing: any change out of bounds or mismatching its recorded
// original bytes fails the whole build and base is left untouched.
func BuildPatch(base []byte, changes []MapChange, descriptors []ChecksumDescriptor) (*PatchResult, error) {
	for i, ch := range changes {
		if len(ch.New) == 0 {
			return nil, fmt.Errorf("change %d: empty replacement", i)
		}
		if uint64(ch.Address)+uint64(len(ch.New)) > uint64(len(base)) {
			return nil, &OutOfBoundsError{Index: i, Address: ch.Address, Size: len(ch.New)}
		}
		if len(ch.Original) > 0 {
			if len(ch.Original) != len(ch.New) {
				return nil, fmt.Errorf("change %d: original/new length mismatch", i)
			}
			if !bytes.Equal(base[ch.Address:ch.Address+uint32(len(ch.Original))], ch.Original) {
				return nil, &OriginalMismatchError{Index: i, Address: ch.Address}
			}
		}
	}

	result := &PatchResult{
		Image:   append([]byte(nil), base...),
		Changes: changes,
	}
	for _, ch := range changes {
		copy(result.Image[ch.Address:], ch.New)
		result.modified = append(result.modified, byteRange{ch.Address, ch.Address + uint32(len(ch.New))})
	}

	for _, d := range descriptors {
		covered := byteRange{d.RangeStart, d.RangeStart + d.RangeLength}
		touched := false
		for _, m := range result.modified {
			if covered.overlaps(m) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		value, err := d.Compute(result.Image)
		if err != nil {
			return nil, err
		}
		if uint64(d.StoreAddress)+uint64(len(value)) > uint64(len(result.Image)) {
			return nil, fmt.Errorf("checksum %s: store address 0x%X outside image", d.Name, d.StoreAddress)
		}
		copy(result.Image[d.StoreAddress:], value)
		result.Recomputed = append(result.Recomputed, d.Name)
	}
	return result, nil
}

// Violation is one byte that escaped its category's limit.
type Violation struct {
	ChangeIndex int
	Address     uint32
	Value       byte
	Category    Category
	Limit       Limit
}

func (v Violation) String() string {
	return fmt.Sprintf("change %d: %s value 0x%02X at 0x%X outside [0x%02X, 0x%02X]",
		v.ChangeIndex, v.Category, v.Value, v.Address, v.Limit.Min, v.Limit.Max)
}

// ValidationResult grades a built patch. Valid is false as soon as one
// violation exists; RiskScore in [0, 1] grows with the magnitude of the edit.
type ValidationResult struct {
	Valid      bool
	RiskScore  float64
	Violations []Violation
}

// Validate checks every changed byte of limited categories against limits and
// scores how far the patch strays from the original bytes.
func Validate(result *PatchResult, limits SafetyLimits) ValidationResult {
	out := ValidationResult{Valid: true}
	var magnitude, counted float64
	for i, ch := range result.Changes {
		limit, limited := limits[ch.Category]
		for j, v := range ch.New {
			if limited && (v < limit.Min || v > limit.Max) {
				out.Violations = append(out.Violations, Violation{
					ChangeIndex: i,
					Address:     ch.Address + uint32(j),
					Value:       v,
					Category:    ch.Category,
					Limit:       limit,
				})
			}
			if j < len(ch.Original) {
				delta := int(v) - int(ch.Original[j])
				if delta < 0 {
					delta = -delta
				}
				magnitude += float64(delta) / 255
				counted++
			}
		}
	}
	if counted > 0 {
		out.RiskScore = magnitude / counted
	}
	out.RiskScore += 0.25 * float64(len(out.Violations))
	if out.RiskScore > 1 {
		out.RiskScore = 1
	}
	if len(out.Violations) > 0 {
		out.Valid = false
	}
	return out
}
