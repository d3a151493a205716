package uds

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
)

func newTestClient(t *testing.T, responder adapter.Responder) *Client {
	t.Helper()
	dev := adapter.NewVirtual(&canflash.AdapterConfig{}, responder)
	c, err := canflash.NewClient(context.Background(), dev)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	tp := isotp.New(c, isotp.Session{TxID: 0x7E0, RxID: 0x7E8})
	return New(tp)
}

func newSimClient(t *testing.T, opts ...ecusim.Option) *Client {
	t.Helper()
	return newTestClient(t, ecusim.New(0x7E0, 0x7E8, opts...).Responder())
}

func TestDiagnosticSessionControl(t *testing.T) {
	c := newSimClient(t)
	if err := c.DiagnosticSessionControl(context.Background(), SessionExtended); err != nil {
		t.Fatalf("DiagnosticSessionControl() error: %v", err)
	}
	if got := c.Session().Type; got != SessionExtended {
		t.Errorf("session type = %s, want %s", got, SessionExtended)
	}
}

func TestReturnToDefaultClearsSecurity(t *testing.T) {
	// the simulator's default transform is identity, key == seed
	c := newSimClient(t)
	ctx := context.Background()
	seed, err := c.SecurityAccessRequestSeed(ctx, Level1)
	if err != nil {
		t.Fatalf("SecurityAccessRequestSeed() error: %v", err)
	}
	if err := c.SecurityAccessSendKey(ctx, Level1, seed); err != nil {
		t.Fatalf("SecurityAccessSendKey() error: %v", err)
	}
	if got := c.Session().SecurityLevel; got != Level1 {
		t.Fatalf("security level = %d, want %d", got, Level1)
	}
	if err := c.DiagnosticSessionControl(ctx, SessionDefault); err != nil {
		t.Fatalf("DiagnosticSessionControl() error: %v", err)
	}
	if got := c.Session().SecurityLevel; got != LevelLocked {
		t.Errorf("security level after default session = %d, want locked", got)
	}
}

func TestNegativeResponse(t *testing.T) {
	c := newSimClient(t)
	_, err := c.ReadDataByIdentifier(context.Background(), 0xF190)
	var nre *NegativeResponseError
	if !errors.As(err, &nre) {
		t.Fatalf("ReadDataByIdentifier() error = %v, want NegativeResponseError", err)
	}
	if nre.Code != NRCRequestOutOfRange {
		t.Errorf("code = 0x%02X, want 0x%02X", nre.Code, NRCRequestOutOfRange)
	}
	if !IsNegative(err, NRCRequestOutOfRange) {
		t.Error("IsNegative() = false, want true")
	}
	if IsNegative(err, NRCInvalidKey) {
		t.Error("IsNegative(wrong code) = true, want false")
	}
}

func TestReadWriteDataByIdentifier(t *testing.T) {
	vin := []byte("YS3FB45S231234567")
	c := newSimClient(t, ecusim.WithDID(0xF190, vin))
	ctx := context.Background()
	got, err := c.ReadDataByIdentifier(ctx, 0xF190)
	if err != nil {
		t.Fatalf("ReadDataByIdentifier() error: %v", err)
	}
	if !bytes.Equal(got, vin) {
		t.Errorf("ReadDataByIdentifier() = %q, want %q", got, vin)
	}
	next := []byte("YS3FB45S231765432")
	if err := c.WriteDataByIdentifier(ctx, 0xF190, next); err != nil {
		t.Fatalf("WriteDataByIdentifier() error: %v", err)
	}
	got, err = c.ReadDataByIdentifier(ctx, 0xF190)
	if err != nil {
		t.Fatalf("ReadDataByIdentifier() error: %v", err)
	}
	if !bytes.Equal(got, next) {
		t.Errorf("ReadDataByIdentifier() after write = %q, want %q", got, next)
	}
}

func TestReadWriteMemory(t *testing.T) {
	c := newSimClient(t, ecusim.WithMemory(0x1000, make([]byte, 64)))
	ctx := context.Background()
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := c.WriteMemoryByAddress(ctx, 0x1010, data); err != nil {
		t.Fatalf("WriteMemoryByAddress() error: %v", err)
	}
	got, err := c.ReadMemoryByAddress(ctx, 0x1010, 4)
	if err != nil {
		t.Fatalf("ReadMemoryByAddress() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadMemoryByAddress() = %X, want %X", got, data)
	}
	if _, err := c.ReadMemoryByAddress(ctx, 0x5000, 4); !IsNegative(err, NRCRequestOutOfRange) {
		t.Errorf("out of range read error = %v, want request out of range", err)
	}
}

func TestResponsePending(t *testing.T) {
	// ECU defers the final answer behind a response pending notice
	responder := func(f *canflash.CANFrame) []*canflash.CANFrame {
		if f.Identifier != 0x7E0 || len(f.Data) == 0 || f.Data[0]&0xF0 == 0x30 {
			return nil
		}
		return []*canflash.CANFrame{
			canflash.NewFrame(0x7E8, []byte{0x03, 0x7F, 0x10, 0x78}, canflash.Incoming),
			canflash.NewFrame(0x7E8, []byte{0x02, 0x50, 0x03}, canflash.Incoming),
		}
	}
	c := newTestClient(t, responder)
	if err := c.DiagnosticSessionControl(context.Background(), SessionExtended); err != nil {
		t.Fatalf("DiagnosticSessionControl() error: %v", err)
	}
}

func TestUnexpectedService(t *testing.T) {
	responder := func(f *canflash.CANFrame) []*canflash.CANFrame {
		if f.Identifier != 0x7E0 || len(f.Data) == 0 || f.Data[0]&0xF0 == 0x30 {
			return nil
		}
		return []*canflash.CANFrame{
			canflash.NewFrame(0x7E8, []byte{0x02, 0x7E, 0x00}, canflash.Incoming),
		}
	}
	c := newTestClient(t, responder)
	err := c.DiagnosticSessionControl(context.Background(), SessionExtended)
	var use *UnexpectedServiceError
	if !errors.As(err, &use) {
		t.Fatalf("error = %v, want UnexpectedServiceError", err)
	}
	if use.Got != 0x7E {
		t.Errorf("got service = 0x%02X, want 0x7E", use.Got)
	}
}

func TestRequestDownload(t *testing.T) {
	c := newSimClient(t, ecusim.WithMemory(0x1000, make([]byte, 128)))
	ctx := context.Background()
	if err := c.DiagnosticSessionControl(ctx, SessionProgramming); err != nil {
		t.Fatalf("DiagnosticSessionControl() error: %v", err)
	}
	maxBlock, err := c.RequestDownload(ctx, 0x1000, 128)
	if err != nil {
		t.Fatalf("RequestDownload() error: %v", err)
	}
	if maxBlock != 0x0102 {
		t.Errorf("maxBlock = %d, want %d", maxBlock, 0x0102)
	}
}

func TestRequestDownloadOutsideProgrammingSession(t *testing.T) {
	c := newSimClient(t, ecusim.WithMemory(0x1000, make([]byte, 128)))
	_, err := c.RequestDownload(context.Background(), 0x1000, 128)
	if !IsNegative(err, NRCConditionsNotCorrect) {
		t.Errorf("RequestDownload() error = %v, want conditions not correct", err)
	}
}

func TestTransferDataShortResponse(t *testing.T) {
	// positive answer without the block counter byte must error, not panic
	responder := func(f *canflash.CANFrame) []*canflash.CANFrame {
		if f.Identifier != 0x7E0 || len(f.Data) == 0 || f.Data[0]&0xF0 == 0x30 {
			return nil
		}
		return []*canflash.CANFrame{
			canflash.NewFrame(0x7E8, []byte{0x01, 0x76}, canflash.Incoming),
		}
	}
	c := newTestClient(t, responder)
	err := c.TransferData(context.Background(), 1, []byte{0xAA, 0xBB})
	if err == nil {
		t.Fatal("TransferData() error = nil, want short response error")
	}
}

func TestClearAndReadDTCs(t *testing.T) {
	records := []byte{
		0x01, 0x33, 0x00, 0x2F,
		0xC1, 0x00, 0x11, 0x08,
	}
	c := newSimClient(t, ecusim.WithDTCs(records))
	ctx := context.Background()
	raw, err := c.ReadDTCInformation(ctx, ReportDTCByStatusMask)
	if err != nil {
		t.Fatalf("ReadDTCInformation() error: %v", err)
	}
	dtcs := DecodeDTCs(raw)
	if len(dtcs) != 2 {
		t.Fatalf("DecodeDTCs() = %d codes, want 2", len(dtcs))
	}
	if dtcs[0].Code != "P0133-00" || dtcs[0].Status != 0x2F {
		t.Errorf("first DTC = %v, want P0133-00 status 0x2F", dtcs[0])
	}
	if dtcs[1].Code != "U0100-11" {
		t.Errorf("second DTC = %s, want U0100-11", dtcs[1].Code)
	}
	if err := c.ClearDiagnosticInformation(ctx); err != nil {
		t.Fatalf("ClearDiagnosticInformation() error: %v", err)
	}
	raw, err = c.ReadDTCInformation(ctx, ReportDTCByStatusMask)
	if err != nil {
		t.Fatalf("ReadDTCInformation() error: %v", err)
	}
	if len(DecodeDTCs(raw)) != 0 {
		t.Errorf("DTCs remain after clear: %X", raw)
	}
}

func TestStartTesterPresent(t *testing.T) {
	c := newSimClient(t)
	stop := c.StartTesterPresent(context.Background(), 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()
	stop() // idempotent
}
