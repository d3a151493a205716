package security

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
	"github.com/ecutools/canflash/pkg/ecusim"
	"github.com/ecutools/canflash/pkg/isotp"
	"github.com/ecutools/canflash/pkg/uds"
)

func newTestClient(t *testing.T, ecu *ecusim.ECU) *uds.Client {
	t.Helper()
	dev := adapter.NewVirtual(&canflash.AdapterConfig{}, ecu.Responder())
	c, err := canflash.NewClient(context.Background(), dev)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	tp := isotp.New(c, isotp.Session{TxID: 0x7E0, RxID: 0x7E8})
	return uds.New(tp)
}

func TestShiftXorSubKnownValues(t *testing.T) {
	tests := []struct {
		name string
		alg  ShiftXorSub
		seed []byte
		want []byte
	}{
		{
			name: "app variant",
			alg:  ShiftXorSub{XOR: 0x8142, Sub: 0x2356},
			seed: []byte{0x36, 0x57},
			want: []byte{0x34, 0xC8},
		},
		{
			name: "boot variant",
			alg:  ShiftXorSub{XOR: 0x4081, Sub: 0x1F6F},
			seed: []byte{0x36, 0x57},
			want: []byte{0x7A, 0x6E},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.alg.ComputeKey(tt.seed)
			if err != nil {
				t.Fatalf("ComputeKey() error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ComputeKey(%X) = %X, want %X", tt.seed, got, tt.want)
			}
		})
	}
}

func TestRotateAddXorKnownValues(t *testing.T) {
	tests := []struct {
		name string
		alg  RotateAddXor
		seed []byte
		want []byte
	}{
		{
			name: "app variant",
			alg:  RotateAddXor{XOR1: 0x8749, Add: 0x06D3, XOR2: 0xCFDF},
			seed: []byte{0x36, 0x57},
			want: []byte{0x34, 0x99},
		},
		{
			name: "boot variant",
			alg:  RotateAddXor{Div: 3, XOR1: 0x8749, Add: 0x0ACF, XOR2: 0x81BF},
			seed: []byte{0x36, 0x57},
			want: []byte{0x2A, 0x4F},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.alg.ComputeKey(tt.seed)
			if err != nil {
				t.Fatalf("ComputeKey() error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ComputeKey(%X) = %X, want %X", tt.seed, got, tt.want)
			}
		})
	}
}

func TestAlgorithmDeterminism(t *testing.T) {
	algorithms := []Algorithm{
		ShiftXorSub{Name_: "a", XOR: 0x8142, Sub: 0x2356},
		RotateAddXor{Name_: "b", XOR1: 0x8749, Add: 0x06D3, XOR2: 0xCFDF},
		VINDerived{VIN: "YS3FB45S231234567"},
	}
	seed := []byte{0xC4, 0x11}
	for _, alg := range algorithms {
		first, err := alg.ComputeKey(seed)
		if err != nil {
			t.Fatalf("%s: ComputeKey() error: %v", alg.Name(), err)
		}
		for i := 0; i < 50; i++ {
			again, err := alg.ComputeKey(seed)
			if err != nil {
				t.Fatalf("%s: ComputeKey() error: %v", alg.Name(), err)
			}
			if !bytes.Equal(first, again) {
				t.Fatalf("%s: key changed between calls: %X then %X", alg.Name(), first, again)
			}
		}
	}
}

func TestVINDerived(t *testing.T) {
	seed := []byte{0x12, 0x34, 0x56, 0x78}
	a := VINDerived{VIN: "YS3FB45S231234567"}
	b := VINDerived{VIN: "YS3FB45S231234568"}
	keyA, err := a.ComputeKey(seed)
	if err != nil {
		t.Fatalf("ComputeKey() error: %v", err)
	}
	if len(keyA) != len(seed) {
		t.Fatalf("key length = %d, want %d", len(keyA), len(seed))
	}
	keyB, err := b.ComputeKey(seed)
	if err != nil {
		t.Fatalf("ComputeKey() error: %v", err)
	}
	if bytes.Equal(keyA, keyB) {
		t.Error("different VINs produced the same key")
	}
	if _, err := (VINDerived{VIN: "short"}).ComputeKey(seed); err == nil {
		t.Error("ComputeKey() accepted a malformed VIN")
	}
	if _, err := a.ComputeKey(make([]byte, 9)); err == nil {
		t.Error("ComputeKey() accepted an oversized seed")
	}
}

func t7AppKey(seed []byte) []byte {
	key, err := (ShiftXorSub{XOR: 0x8142, Sub: 0x2356}).ComputeKey(seed)
	if err != nil {
		panic(err)
	}
	return key
}

func t7BootKey(seed []byte) []byte {
	key, err := (ShiftXorSub{XOR: 0x4081, Sub: 0x1F6F}).ComputeKey(seed)
	if err != nil {
		panic(err)
	}
	return key
}

func TestUnlock(t *testing.T) {
	ecu := ecusim.New(0x7E0, 0x7E8,
		ecusim.WithSeed([]byte{0x36, 0x57}),
		ecusim.WithKeyFunc(t7AppKey),
	)
	c := newTestClient(t, ecu)
	r := NewRegistry()
	if err := r.Unlock(context.Background(), c, KindTrionic7, uds.Level1); err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	if got := c.Session().SecurityLevel; got != uds.Level1 {
		t.Errorf("session security level = %d, want %d", got, uds.Level1)
	}
}

func TestUnlockKeyRejected(t *testing.T) {
	// ECU wants the boot transform, registry computes the app one
	ecu := ecusim.New(0x7E0, 0x7E8, ecusim.WithKeyFunc(t7BootKey))
	c := newTestClient(t, ecu)
	r := NewRegistry()
	err := r.Unlock(context.Background(), c, KindTrionic7, uds.Level1)
	var rejected *KeyRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Unlock() error = %v, want KeyRejectedError", err)
	}
	if rejected.Code != uds.NRCInvalidKey {
		t.Errorf("rejection code = 0x%02X, want 0x%02X", rejected.Code, uds.NRCInvalidKey)
	}
	if got := c.Session().SecurityLevel; got != uds.LevelLocked {
		t.Errorf("session security level = %d, want locked", got)
	}
}

func TestUnlockAlgorithmNotFound(t *testing.T) {
	ecu := ecusim.New(0x7E0, 0x7E8)
	c := newTestClient(t, ecu)
	r := NewRegistry()
	err := r.Unlock(context.Background(), c, ECUKind("Bosch"), uds.Level1)
	if !errors.Is(err, ErrAlgorithmNotFound) {
		t.Errorf("Unlock() error = %v, want %v", err, ErrAlgorithmNotFound)
	}
}

func TestTryUnlock(t *testing.T) {
	// second candidate shape matches
	ecu := ecusim.New(0x7E0, 0x7E8, ecusim.WithKeyFunc(t7BootKey))
	c := newTestClient(t, ecu)
	r := NewRegistry()
	kind := ECUKind("unknown-variant")
	attempts, err := r.TryUnlock(context.Background(), c, kind, uds.Level1, 5)
	if err != nil {
		t.Fatalf("TryUnlock() error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("TryUnlock() attempts = %d, want 2", attempts)
	}
	if _, ok := r.Lookup(kind, uds.Level1); !ok {
		t.Error("accepted algorithm was not registered")
	}
}

func TestTryUnlockBudgetExhausted(t *testing.T) {
	// key transform no candidate shape matches
	ecu := ecusim.New(0x7E0, 0x7E8, ecusim.WithKeyFunc(func(seed []byte) []byte {
		return []byte{seed[0] ^ 0xAA, seed[1] ^ 0x55}
	}))
	c := newTestClient(t, ecu)
	r := NewRegistry()
	attempts, err := r.TryUnlock(context.Background(), c, ECUKind("mystery"), uds.Level1, 3)
	if !errors.Is(err, ErrAlgorithmNotFound) {
		t.Fatalf("TryUnlock() error = %v, want %v", err, ErrAlgorithmNotFound)
	}
	if attempts != 3 {
		t.Errorf("TryUnlock() attempts = %d, want 3", attempts)
	}
}
