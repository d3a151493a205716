package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecutools/canflash/pkg/uds"
)

// candidate transform shapes tried against ECUs whose exact variant is
// unknown. Ordered by how common the variant is in the field.
var candidateAlgorithms = []Algorithm{
	ShiftXorSub{Name_: "shift-xor-sub-8142", XOR: 0x8142, Sub: 0x2356},
	ShiftXorSub{Name_: "shift-xor-sub-4081", XOR: 0x4081, Sub: 0x1F6F},
	RotateAddXor{Name_: "rotate-add-xor-06d3", XOR1: 0x8749, Add: 0x06D3, XOR2: 0xCFDF},
	RotateAddXor{Name_: "rotate-add-xor-0acf", Div: 3, XOR1: 0x8749, Add: 0x0ACF, XOR2: 0x81BF},
	RotateAddXor{Name_: "rotate-only"},
}

// TryUnlock is the opt-in fallback for an ECU whose algorithm is not
// registered: it walks the known transform shapes, spending one full seed/key
// round trip per candidate, until one is accepted or budget attempts have
// been used. Every rejected attempt may feed the ECU's lockout counter, so
// callers should keep budget small. The accepted algorithm is registered for
// kind/level so later unlocks are direct.
func (r *Registry) TryUnlock(ctx context.Context, c *uds.Client, kind ECUKind, level uds.SecurityLevel, budget int) (attempts int, err error) {
	if budget <= 0 {
		return 0, fmt.Errorf("%w: attempt budget exhausted", ErrAlgorithmNotFound)
	}
	for _, alg := range candidateAlgorithms {
		if attempts >= budget {
			break
		}
		attempts++
		err := unlockWith(ctx, c, level, alg)
		if err == nil {
			r.Register(kind, level, alg)
			return attempts, nil
		}
		var rejected *KeyRejectedError
		if errors.As(err, &rejected) {
			continue
		}
		// transport or sequencing failure, not a wrong key
		return attempts, err
	}
	return attempts, fmt.Errorf("%w: %s level %d, %d of %d attempts used",
		ErrAlgorithmNotFound, kind, level, attempts, budget)
}
