// Package flasher drives the end-to-end reprogramming sequence: enter the
// bootloader, transfer the image block by block, verify the written range and
// reset the ECU. A failed transfer is never retried block-wise; the caller
// aborts and restarts the full image.
package flasher

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/ecutools/canflash/pkg/patch"
	"github.com/ecutools/canflash/pkg/security"
	"github.com/ecutools/canflash/pkg/uds"
)

// RoutineEnterProgramming is the routine gating bootloader entry and exit.
const RoutineEnterProgramming uint16 = 0x0201

const (
	defaultSettleDelay = 2 * time.Second
	verifyChunk        = 128
)

type Option func(*Flasher)

// WithSecurityLevel overrides the level unlocked before programming.
func WithSecurityLevel(level uds.SecurityLevel) Option {
	return func(f *Flasher) {
		f.level = level
	}
}

// WithSettleDelay overrides the wait after the post-flash ECU reset.
func WithSettleDelay(d time.Duration) Option {
	return func(f *Flasher) {
		f.settle = d
	}
}

// WithProgress draws a transfer progress bar on w.
func WithProgress(w io.Writer) Option {
	return func(f *Flasher) {
		f.progress = w
	}
}

type Flasher struct {
	c        *uds.Client
	registry *security.Registry
	kind     security.ECUKind
	level    uds.SecurityLevel
	settle   time.Duration
	progress io.Writer

	mu    sync.Mutex
	state State
}

func New(c *uds.Client, registry *security.Registry, kind security.ECUKind, opts ...Option) *Flasher {
	f := &Flasher{
		c:        c,
		registry: registry,
		kind:     kind,
		level:    uds.Level2,
		settle:   defaultSettleDelay,
		progress: io.Discard,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current position in the programming sequence.
func (f *Flasher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flasher) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Flash writes image to the ECU starting at startAddress, blockSize bytes per
// transfer block. It must be called from Idle; any failure parks the flasher
// in Error until Abort is called.
func (f *Flasher) Flash(ctx context.Context, image []byte, startAddress uint32, blockSize int) error {
	f.mu.Lock()
	if f.state != StateIdle {
		f.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotIdle, f.state)
	}
	f.mu.Unlock()
	if len(image) == 0 {
		f.setState(StateError)
		return fmt.Errorf("empty image")
	}
	if blockSize < 8 {
		f.setState(StateError)
		return fmt.Errorf("block size %d too small", blockSize)
	}

	if err := f.enterProgrammingMode(ctx); err != nil {
		f.setState(StateError)
		return err
	}
	f.setState(StateBootloaderActive)

	maxBlock, err := f.c.RequestDownload(ctx, startAddress, uint32(len(image)))
	if err != nil {
		f.setState(StateError)
		return &EntryError{Step: "request download", Err: err}
	}
	f.setState(StateDownloading)

	// maxBlock counts the service id, block counter and our trailing checksum
	chunkSize := blockSize
	if maxBlock > 4 && chunkSize > maxBlock-4 {
		chunkSize = maxBlock - 4
	}

	f.setState(StateTransferring)
	if err := f.transfer(ctx, image, chunkSize); err != nil {
		f.setState(StateError)
		return err
	}

	f.setState(StateVerifying)
	if err := f.c.TransferExit(ctx); err != nil {
		f.setState(StateError)
		return fmt.Errorf("transfer exit: %w", err)
	}
	if err := f.verify(ctx, image, startAddress); err != nil {
		f.setState(StateError)
		return err
	}

	if err := f.c.ECUReset(ctx, uds.ResetHard); err != nil {
		f.setState(StateError)
		return fmt.Errorf("post-flash reset: %w", err)
	}
	select {
	case <-time.After(f.settle):
	case <-ctx.Done():
		f.setState(StateError)
		return ctx.Err()
	}
	f.setState(StateCompleted)
	return nil
}

func (f *Flasher) enterProgrammingMode(ctx context.Context) error {
	if err := f.c.DiagnosticSessionControl(ctx, uds.SessionProgramming); err != nil {
		return &EntryError{Step: "programming session", Err: err}
	}
	if err := f.registry.Unlock(ctx, f.c, f.kind, f.level); err != nil {
		return &EntryError{Step: "security access", Err: err}
	}
	if _, err := f.c.RoutineControl(ctx, uds.RoutineStart, RoutineEnterProgramming, nil); err != nil {
		return &EntryError{Step: "enter programming routine", Err: err}
	}
	return nil
}

// transfer sends the image in chunks, each chased by its 16 bit additive
// checksum. The block counter wraps at 0xFF like the wire protocol requires.
func (f *Flasher) transfer(ctx context.Context, image []byte, chunkSize int) error {
	bar := progressbar.NewOptions(len(image),
		progressbar.OptionSetWriter(f.progress),
		progressbar.OptionSetDescription("transferring"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(25),
		progressbar.OptionThrottle(65*time.Millisecond),
	)
	var blockNumber byte = 1
	index := 1
	for off := 0; off < len(image); off += chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[off:end]
		payload := make([]byte, len(chunk)+2)
		copy(payload, chunk)
		binary.BigEndian.PutUint16(payload[len(chunk):], patch.Additive16(chunk))
		if err := f.c.TransferData(ctx, blockNumber, payload); err != nil {
			return &BlockRejectedError{Index: index, Err: err}
		}
		_ = bar.Add(len(chunk))
		blockNumber++
		index++
	}
	return nil
}

// verify reads the written range back and byte-compares it against image.
func (f *Flasher) verify(ctx context.Context, image []byte, startAddress uint32) error {
	for off := 0; off < len(image); off += verifyChunk {
		end := off + verifyChunk
		if end > len(image) {
			end = len(image)
		}
		got, err := f.c.ReadMemoryByAddress(ctx, startAddress+uint32(off), uint16(end-off))
		if err != nil {
			return fmt.Errorf("read back at 0x%08X: %w", startAddress+uint32(off), err)
		}
		for i := range got {
			if got[i] != image[off+i] {
				return &VerificationMismatchError{Offset: off + i}
			}
		}
	}
	return nil
}

// Abort leaves programming mode best-effort and returns the flasher to Idle.
// Safe to call from any state, including Error.
func (f *Flasher) Abort(ctx context.Context) {
	f.ExitProgrammingMode(ctx)
	f.setState(StateIdle)
}

// ExitProgrammingMode stops the programming routine and drops back to the
// default session. Failures are logged, not returned: the ECU may already be
// out of the bootloader.
func (f *Flasher) ExitProgrammingMode(ctx context.Context) {
	if _, err := f.c.RoutineControl(ctx, uds.RoutineStop, RoutineEnterProgramming, nil); err != nil {
		log.Printf("stop programming routine: %v", err)
	}
	if err := f.c.DiagnosticSessionControl(ctx, uds.SessionDefault); err != nil {
		log.Printf("return to default session: %v", err)
	}
}
