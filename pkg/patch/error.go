package patch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoWritableRegion means no writable MemoryRegion covers a change.
	ErrNoWritableRegion = errors.New("no writable region covers change")
	// ErrSecurityLevel means the session is not unlocked far enough for the
	// region a change targets.
	ErrSecurityLevel = errors.New("security level too low for region")
	// ErrSessionDone means a live session was already confirmed or reverted.
	ErrSessionDone = errors.New("live session already settled")
)

// OutOfBoundsError fails a whole patch batch: one change falls outside the
// image.
type OutOfBoundsError struct {
	Index   int
	Address uint32
	Size    int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("change %d: [0x%X, 0x%X) outside image bounds", e.Index, e.Address, uint64(e.Address)+uint64(e.Size))
}

// OriginalMismatchError means the image does not contain the bytes a change
// recorded as its original content.
type OriginalMismatchError struct {
	Index   int
	Address uint32
}

func (e *OriginalMismatchError) Error() string {
	return fmt.Sprintf("change %d: image content at 0x%X does not match recorded original", e.Index, e.Address)
}

// UnknownChecksumKindError means a descriptor names an algorithm this engine
// does not implement.
type UnknownChecksumKindError struct {
	Name string
	Kind ChecksumKind
}

func (e *UnknownChecksumKindError) Error() string {
	return fmt.Sprintf("checksum %s: unknown kind %d", e.Name, e.Kind)
}
