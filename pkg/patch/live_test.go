package patch

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
	"github.com/ecutools/canflash/pkg/ecusim"
	"github.com/ecutools/canflash/pkg/isotp"
	"github.com/ecutools/canflash/pkg/uds"
)

func newLiveTest(t *testing.T, regions []MemoryRegion, opts ...ecusim.Option) (*Applier, *ecusim.ECU, *uds.Client) {
	t.Helper()
	opts = append([]ecusim.Option{ecusim.WithMemory(0x1000, testBase(256))}, opts...)
	ecu := ecusim.New(0x7E0, 0x7E8, opts...)
	dev := adapter.NewVirtual(&canflash.AdapterConfig{}, ecu.Responder())
	c, err := canflash.NewClient(context.Background(), dev)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	client := uds.New(isotp.New(c, isotp.Session{TxID: 0x7E0, RxID: 0x7E8}))
	return NewApplier(client, regions), ecu, client
}

var testRegions = []MemoryRegion{
	{Name: "calibration", Base: 0x1000, Length: 0x80, Writable: true},
	{Name: "code", Base: 0x1080, Length: 0x80, Writable: false},
}

func TestApplyAndRevert(t *testing.T) {
	a, ecu, _ := newLiveTest(t, testRegions)
	before := append([]byte(nil), ecu.Memory()...)
	changes := []MapChange{
		{Address: 0x1010, New: []byte{0xAA, 0xBB}, Category: CategoryBoost},
		{Address: 0x1020, New: []byte{0xCC}, Category: CategoryFuel},
	}
	s, err := a.Apply(context.Background(), changes, 0)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if ecu.Memory()[0x10] != 0xAA || ecu.Memory()[0x11] != 0xBB || ecu.Memory()[0x20] != 0xCC {
		t.Fatal("live changes did not land in ECU memory")
	}
	if len(s.Applied()) != 2 {
		t.Fatalf("Applied() = %d entries, want 2", len(s.Applied()))
	}
	if err := s.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error: %v", err)
	}
	if !bytes.Equal(ecu.Memory(), before) {
		t.Error("revert did not restore original memory")
	}
	if err := s.Revert(context.Background()); !errors.Is(err, ErrSessionDone) {
		t.Errorf("second Revert() error = %v, want %v", err, ErrSessionDone)
	}
}

func TestApplyAutoRevert(t *testing.T) {
	a, _, client := newLiveTest(t, testRegions)
	ctx := context.Background()
	original, err := client.ReadMemoryByAddress(ctx, 0x1000, 1)
	if err != nil {
		t.Fatalf("ReadMemoryByAddress() error: %v", err)
	}
	if _, err := a.Apply(ctx, []MapChange{
		{Address: 0x1000, New: []byte{0x77}},
	}, 30*time.Millisecond); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	// poll through the client so reads serialize with the revert writes
	deadline := time.After(2 * time.Second)
	for {
		got, err := client.ReadMemoryByAddress(ctx, 0x1000, 1)
		if err != nil {
			t.Fatalf("ReadMemoryByAddress() error: %v", err)
		}
		if bytes.Equal(got, original) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("auto-revert never restored memory")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestApplyConfirmStopsRevert(t *testing.T) {
	a, ecu, _ := newLiveTest(t, testRegions)
	s, err := a.Apply(context.Background(), []MapChange{
		{Address: 0x1000, New: []byte{0x77}},
	}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if err := s.Confirm(); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if ecu.Memory()[0] != 0x77 {
		t.Error("confirmed change was reverted anyway")
	}
}

func TestApplyRegionPolicy(t *testing.T) {
	a, _, _ := newLiveTest(t, testRegions)
	// read-only region
	_, err := a.Apply(context.Background(), []MapChange{
		{Address: 0x1090, New: []byte{1}},
	}, 0)
	if !errors.Is(err, ErrNoWritableRegion) {
		t.Errorf("write into code region error = %v, want %v", err, ErrNoWritableRegion)
	}
	// outside every region
	_, err = a.Apply(context.Background(), []MapChange{
		{Address: 0x2000, New: []byte{1}},
	}, 0)
	if !errors.Is(err, ErrNoWritableRegion) {
		t.Errorf("write outside regions error = %v, want %v", err, ErrNoWritableRegion)
	}
}

func TestApplySecurityGate(t *testing.T) {
	gated := []MemoryRegion{
		{Name: "calibration", Base: 0x1000, Length: 0x80, Writable: true, MinLevel: uds.Level1},
	}
	a, ecu, client := newLiveTest(t, gated)
	_, err := a.Apply(context.Background(), []MapChange{
		{Address: 0x1000, New: []byte{1}},
	}, 0)
	if !errors.Is(err, ErrSecurityLevel) {
		t.Fatalf("locked session Apply() error = %v, want %v", err, ErrSecurityLevel)
	}
	if ecu.Memory()[0] == 1 {
		t.Fatal("gated write landed anyway")
	}

	// unlock level 1 with the simulator's identity transform and retry
	ctx := context.Background()
	seed, err := client.SecurityAccessRequestSeed(ctx, uds.Level1)
	if err != nil {
		t.Fatalf("SecurityAccessRequestSeed() error: %v", err)
	}
	if err := client.SecurityAccessSendKey(ctx, uds.Level1, seed); err != nil {
		t.Fatalf("SecurityAccessSendKey() error: %v", err)
	}
	if _, err := a.Apply(ctx, []MapChange{{Address: 0x1000, New: []byte{1}}}, 0); err != nil {
		t.Fatalf("unlocked Apply() error: %v", err)
	}
	if ecu.Memory()[0] != 1 {
		t.Error("unlocked write did not land")
	}
}
