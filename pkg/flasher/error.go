package flasher

import (
	"errors"
	"fmt"
)

// ErrNotIdle is returned when Flash is called mid-sequence or from Error.
var ErrNotIdle = errors.New("flasher not idle")

// EntryError means the ECU could not be brought into programming mode or the
// download could not be announced.
type EntryError struct {
	Step string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// BlockRejectedError carries the 1-based index of the transfer block the ECU
// refused. The whole image must be re-sent after this.
type BlockRejectedError struct {
	Index int
	Err   error
}

func (e *BlockRejectedError) Error() string {
	return fmt.Sprintf("block %d rejected: %v", e.Index, e.Err)
}

func (e *BlockRejectedError) Unwrap() error {
	return e.Err
}

// VerificationMismatchError reports the first image offset whose read-back
// differs from what was sent.
type VerificationMismatchError struct {
	Offset int
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("verification mismatch at image offset 0x%X", e.Offset)
}
