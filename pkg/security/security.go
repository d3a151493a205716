// Package security computes seed/key answers for the UDS security access
// service. Algorithms are registered per ECU kind and level; callers either
// unlock with a known algorithm or let the registry try a bounded set of
// known transform shapes against an ECU whose variant is unknown.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ecutools/canflash/pkg/uds"
)

// ECUKind selects the vendor algorithm family.
type ECUKind string

const (
	KindTrionic5 ECUKind = "T5"
	KindTrionic7 ECUKind = "T7"
	KindTrionic8 ECUKind = "T8"
)

// Algorithm turns an ECU challenge into the expected answer. Implementations
// must be deterministic: same seed, same key, every time.
type Algorithm interface {
	Name() string
	ComputeKey(seed []byte) ([]byte, error)
}

var (
	ErrSeedRequestFailed = errors.New("seed request failed")
	ErrAlgorithmNotFound = errors.New("no algorithm for ECU kind and level")
)

// KeyRejectedError is returned when the ECU refuses a computed key.
type KeyRejectedError struct {
	Algorithm string
	Code      byte
}

func (e *KeyRejectedError) Error() string {
	return fmt.Sprintf("key from %s rejected: 0x%02X (%s)", e.Algorithm, e.Code, uds.NRCDescription(e.Code))
}

type registryKey struct {
	kind  ECUKind
	level uds.SecurityLevel
}

// Registry maps (ECU kind, security level) to the algorithm the ECU expects.
type Registry struct {
	mu         sync.RWMutex
	algorithms map[registryKey]Algorithm
}

// NewRegistry returns a registry preloaded with the stock vendor transforms.
func NewRegistry() *Registry {
	r := &Registry{algorithms: make(map[registryKey]Algorithm)}
	r.Register(KindTrionic7, uds.Level1, ShiftXorSub{Name_: "t7-app", XOR: 0x8142, Sub: 0x2356})
	r.Register(KindTrionic7, uds.Level2, ShiftXorSub{Name_: "t7-boot", XOR: 0x4081, Sub: 0x1F6F})
	r.Register(KindTrionic8, uds.Level1, RotateAddXor{Name_: "t8-app", XOR1: 0x8749, Add: 0x06D3, XOR2: 0xCFDF})
	r.Register(KindTrionic8, uds.Level2, RotateAddXor{Name_: "t8-boot", Div: 3, XOR1: 0x8749, Add: 0x0ACF, XOR2: 0x81BF})
	return r
}

// Register adds or replaces the algorithm for one kind/level pair. Adding a
// vendor variant means registering here, never editing dispatch code.
func (r *Registry) Register(kind ECUKind, level uds.SecurityLevel, alg Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algorithms[registryKey{kind, level}] = alg
}

// Lookup returns the algorithm for kind/level, if one is registered.
func (r *Registry) Lookup(kind ECUKind, level uds.SecurityLevel) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alg, ok := r.algorithms[registryKey{kind, level}]
	return alg, ok
}

// Unlock performs the seed/key handshake at the given level using the
// registered algorithm for kind. An all-zero seed means access was already
// granted and the handshake is skipped.
func (r *Registry) Unlock(ctx context.Context, c *uds.Client, kind ECUKind, level uds.SecurityLevel) error {
	alg, ok := r.Lookup(kind, level)
	if !ok {
		return fmt.Errorf("%w: %s level %d", ErrAlgorithmNotFound, kind, level)
	}
	return unlockWith(ctx, c, level, alg)
}

func unlockWith(ctx context.Context, c *uds.Client, level uds.SecurityLevel, alg Algorithm) error {
	seed, err := c.SecurityAccessRequestSeed(ctx, level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSeedRequestFailed, err)
	}
	if allZero(seed) {
		return nil
	}
	key, err := alg.ComputeKey(seed)
	if err != nil {
		return fmt.Errorf("%s: %w", alg.Name(), err)
	}
	if err := c.SecurityAccessSendKey(ctx, level, key); err != nil {
		if uds.IsNegative(err, uds.NRCInvalidKey, uds.NRCExceedNumberOfAttempts) {
			return &KeyRejectedError{Algorithm: alg.Name(), Code: err.(*uds.NegativeResponseError).Code}
		}
		return err
	}
	return nil
}

func allZero(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
