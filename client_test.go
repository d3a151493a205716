package canflash_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
)

func newEchoClient(t *testing.T, responder adapter.Responder) *canflash.Client {
	t.Helper()
	dev := adapter.NewVirtual(&canflash.AdapterConfig{}, responder)
	c, err := canflash.NewClient(context.Background(), dev)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubscribeEcho(t *testing.T) {
	// no responder: the virtual adapter loops every sent frame back
	c := newEchoClient(t, nil)
	sub := c.Subscribe(context.Background(), 0x123)
	defer sub.Close()
	if err := c.SendFrame(0x123, []byte{1, 2, 3}, canflash.Outgoing); err != nil {
		t.Fatalf("SendFrame() error: %v", err)
	}
	select {
	case frame := <-sub.Chan():
		if frame.Identifier != 0x123 || !bytes.Equal(frame.Data, []byte{1, 2, 3}) {
			t.Errorf("got frame %s", frame.String())
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestSubscribeAll(t *testing.T) {
	// no identifiers: the subscriber sees every frame on the bus
	c := newEchoClient(t, nil)
	sub := c.Subscribe(context.Background())
	defer sub.Close()
	for _, id := range []uint32{0x123, 0x7E8, 0x5E8} {
		if err := c.SendFrame(id, []byte{byte(id)}, canflash.Outgoing); err != nil {
			t.Fatalf("SendFrame(0x%03X) error: %v", id, err)
		}
		select {
		case frame := <-sub.Chan():
			if frame.Identifier != id {
				t.Errorf("got frame 0x%03X, want 0x%03X", frame.Identifier, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("no frame delivered for 0x%03X", id)
		}
	}
}

func TestSubscriberFilter(t *testing.T) {
	c := newEchoClient(t, nil)
	sub := c.Subscribe(context.Background(), 0x7E8)
	defer sub.Close()
	if err := c.SendFrame(0x5E8, []byte{0xFF}, canflash.Outgoing); err != nil {
		t.Fatalf("SendFrame() error: %v", err)
	}
	select {
	case frame := <-sub.Chan():
		t.Errorf("filtered subscriber got frame 0x%03X", frame.Identifier)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAndWait(t *testing.T) {
	responder := func(f *canflash.CANFrame) []*canflash.CANFrame {
		if f.Identifier != 0x7E0 {
			return nil
		}
		return []*canflash.CANFrame{
			canflash.NewFrame(0x7E8, []byte{0x02, 0x50, 0x01}, canflash.Incoming),
		}
	}
	c := newEchoClient(t, responder)
	frame, err := c.SendAndWait(context.Background(),
		canflash.NewFrame(0x7E0, []byte{0x02, 0x10, 0x01}, canflash.ResponseRequired),
		time.Second, 0x7E8)
	if err != nil {
		t.Fatalf("SendAndWait() error: %v", err)
	}
	if !bytes.Equal(frame.Data, []byte{0x02, 0x50, 0x01}) {
		t.Errorf("response = %X, want 02 50 01", frame.Data)
	}
}

func TestPollTimeout(t *testing.T) {
	// responder swallows everything
	c := newEchoClient(t, func(*canflash.CANFrame) []*canflash.CANFrame { return nil })
	_, err := c.Poll(context.Background(), 50*time.Millisecond, 0x7E8)
	var te *canflash.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Poll() error = %v, want TimeoutError", err)
	}
	if te.Timeout != 50 {
		t.Errorf("timeout = %dms, want 50ms", te.Timeout)
	}
}

func TestNilAdapter(t *testing.T) {
	if _, err := canflash.NewClient(context.Background(), nil); !errors.Is(err, canflash.ErrNilAdapter) {
		t.Errorf("NewClient(nil) error = %v, want %v", err, canflash.ErrNilAdapter)
	}
}

func TestFrameDLC(t *testing.T) {
	f := canflash.NewFrame(0x321, []byte{1, 2, 3, 4}, canflash.Outgoing)
	if f.DLC() != 4 {
		t.Errorf("DLC() = %d, want 4", f.DLC())
	}
}
