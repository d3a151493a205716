package patch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ecutools/canflash/pkg/uds"
)

const autoRevertTimeout = 10 * time.Second

// Applier writes map changes straight into a running ECU instead of
// reflashing, giving a reversible trial path: every application schedules an
// automatic revert that only a Confirm call cancels.
//
// Addresses here live in the ECU's address space and must fall inside one of
// the configured writable regions.
type Applier struct {
	c       *uds.Client
	regions []MemoryRegion
}

// NewApplier panics on a malformed region table; that is a programming error
// in the caller's configuration, not a runtime condition.
func NewApplier(c *uds.Client, regions []MemoryRegion) *Applier {
	for _, r := range regions {
		if r.Length == 0 {
			panic(fmt.Sprintf("patch: region %q has zero length", r.Name))
		}
	}
	return &Applier{c: c, regions: regions}
}

func (a *Applier) findRegion(addr uint32, size int) (MemoryRegion, error) {
	for _, r := range a.regions {
		if r.Writable && r.Contains(addr, size) {
			return r, nil
		}
	}
	return MemoryRegion{}, fmt.Errorf("%w: [0x%X, 0x%X)", ErrNoWritableRegion, addr, uint64(addr)+uint64(size))
}

// AppliedChange records what one live write replaced, for the revert path.
type AppliedChange struct {
	Address  uint32
	Original []byte
	New      []byte
}

// LiveSession tracks one batch of live writes until it is confirmed or
// reverted.
type LiveSession struct {
	a       *Applier
	applied []AppliedChange
	timer   *time.Timer

	mu   sync.Mutex
	done bool
}

// Apply checks every change against the region table and the session's
// current security level, captures the bytes being replaced, and writes the
// new values. A failure mid-batch reverts what was already written. The
// returned session auto-reverts after timeout unless Confirm is called;
// timeout 0 disables the timer.
func (a *Applier) Apply(ctx context.Context, changes []MapChange, timeout time.Duration) (*LiveSession, error) {
	level := a.c.Session().SecurityLevel
	for _, ch := range changes {
		region, err := a.findRegion(ch.Address, len(ch.New))
		if err != nil {
			return nil, err
		}
		if level < region.MinLevel {
			return nil, fmt.Errorf("%w: %s needs level %d, session at %d", ErrSecurityLevel, region.Name, region.MinLevel, level)
		}
	}

	s := &LiveSession{a: a}
	for i, ch := range changes {
		original, err := a.c.ReadMemoryByAddress(ctx, ch.Address, uint16(len(ch.New)))
		if err != nil {
			s.rollback(ctx)
			return nil, fmt.Errorf("change %d: read original: %w", i, err)
		}
		if len(ch.Original) > 0 && !bytes.Equal(original, ch.Original) {
			s.rollback(ctx)
			return nil, &OriginalMismatchError{Index: i, Address: ch.Address}
		}
		if err := a.c.WriteMemoryByAddress(ctx, ch.Address, ch.New); err != nil {
			s.rollback(ctx)
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		s.applied = append(s.applied, AppliedChange{Address: ch.Address, Original: original, New: ch.New})
	}

	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			ctx, cancel := context.WithTimeout(context.Background(), autoRevertTimeout)
			defer cancel()
			if err := s.Revert(ctx); err != nil && err != ErrSessionDone {
				log.Printf("live patch auto-revert failed: %v", err)
			}
		})
	}
	return s, nil
}

// Applied returns what the session wrote, oldest first.
func (s *LiveSession) Applied() []AppliedChange {
	return s.applied
}

// Confirm makes the live changes permanent for this drive cycle by cancelling
// the scheduled revert.
func (s *LiveSession) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrSessionDone
	}
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

// Revert writes the original bytes back, newest first. Safe to call once;
// later calls return ErrSessionDone.
func (s *LiveSession) Revert(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return ErrSessionDone
	}
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.rollback(ctx)
}

func (s *LiveSession) rollback(ctx context.Context) error {
	var firstErr error
	for i := len(s.applied) - 1; i >= 0; i-- {
		ac := s.applied[i]
		if err := s.a.c.WriteMemoryByAddress(ctx, ac.Address, ac.Original); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("revert at 0x%X: %w", ac.Address, err)
		}
	}
	return firstErr
}
