// Package isotp segments diagnostic payloads into CAN frames and reassembles
// received frame sequences, one request/response pair per call.
package isotp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecutools/canflash"
)

const (
	pciSingle      = 0x00
	pciFirst       = 0x10
	pciConsecutive = 0x20
	pciFlowControl = 0x30

	// MaxPayload is the largest payload a first frame can declare with a
	// 12bit length field.
	MaxPayload = 4095
)

// flow status nibble of a flow control frame
const (
	flowStatusContinue = 0x00
	flowStatusWait     = 0x01
	flowStatusOverflow = 0x02
)

var (
	ErrTimeout        = errors.New("timeout waiting for frame")
	ErrShortFrame     = errors.New("frame without payload")
	ErrPayloadTooBig  = fmt.Errorf("payload exceeds %d bytes", MaxPayload)
	ErrEmptyPayload   = errors.New("empty payload")
	ErrBufferOverflow = errors.New("receiver signaled buffer overflow")
)

// Session binds the transmit and receive identifiers for one logical ECU
// endpoint. Immutable once the transport is created.
type Session struct {
	TxID uint32
	RxID uint32
}

type Option func(*Transport)

// WithoutFlowControl makes the sender emit consecutive frames immediately
// instead of waiting for a flow control frame. Only for point-to-point links
// where the peer is known not to throttle.
func WithoutFlowControl() Option {
	return func(t *Transport) {
		t.waitForFlowControl = false
	}
}

// WithPadding pads every outgoing frame to 8 bytes with the given filler.
func WithPadding(fill byte) Option {
	return func(t *Transport) {
		t.pad = true
		t.fill = fill
	}
}

type Transport struct {
	c    *canflash.Client
	sess Session

	waitForFlowControl bool
	pad                bool
	fill               byte
}

func New(c *canflash.Client, sess Session, opts ...Option) *Transport {
	t := &Transport{
		c:                  c,
		sess:               sess,
		waitForFlowControl: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Session() Session {
	return t.sess
}

// Segment splits a payload into the CAN frames that carry it. A payload of 7
// bytes or less yields exactly one single frame.
func Segment(txID uint32, payload []byte) ([]*canflash.CANFrame, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooBig
	}
	if len(payload) <= 7 {
		data := append([]byte{pciSingle | byte(len(payload))}, payload...)
		return []*canflash.CANFrame{canflash.NewFrame(txID, data, canflash.Outgoing)}, nil
	}
	first := []byte{pciFirst | byte(len(payload)>>8), byte(len(payload))}
	first = append(first, payload[:6]...)
	frames := []*canflash.CANFrame{canflash.NewFrame(txID, first, canflash.Outgoing)}
	var seq byte = 1
	for pos := 6; pos < len(payload); pos += 7 {
		end := pos + 7
		if end > len(payload) {
			end = len(payload)
		}
		data := append([]byte{pciConsecutive | seq}, payload[pos:end]...)
		frames = append(frames, canflash.NewFrame(txID, data, canflash.Outgoing))
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}

// SendReceive transmits one payload and blocks until the matching response
// payload has been reassembled or timeout elapses.
func (t *Transport) SendReceive(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	return t.SendReceiveWait(ctx, payload, timeout, 0, nil)
}

// SendReceiveWait is SendReceive for services that may defer their answer:
// while isPending reports true for a received payload the transport keeps the
// same subscription open and waits up to pendingTimeout for the next one, so
// nothing arriving in between is lost.
func (t *Transport) SendReceiveWait(ctx context.Context, payload []byte, timeout, pendingTimeout time.Duration, isPending func([]byte) bool) ([]byte, error) {
	frames, err := Segment(t.sess.TxID, payload)
	if err != nil {
		return nil, err
	}
	if t.pad {
		for _, f := range frames {
			padFrame(f, t.fill)
		}
	}

	sub := t.c.Subscribe(ctx, t.sess.RxID)
	defer sub.Close()

	if err := t.c.Send(frames[0]); err != nil {
		return nil, err
	}
	if len(frames) > 1 {
		if err := t.sendConsecutive(ctx, sub, frames[1:], timeout); err != nil {
			return nil, err
		}
	}
	resp, err := t.receive(ctx, sub, timeout)
	for err == nil && isPending != nil && isPending(resp) {
		resp, err = t.receive(ctx, sub, pendingTimeout)
	}
	return resp, err
}

// sendConsecutive drives the flow control state: after the first frame the
// receiver tells us how many consecutive frames it will take per block and
// the minimum separation time between them.
func (t *Transport) sendConsecutive(ctx context.Context, sub *canflash.Subscriber, frames []*canflash.CANFrame, timeout time.Duration) error {
	var blockSize int
	var stMin time.Duration
	if t.waitForFlowControl {
		bs, st, err := t.awaitFlowControl(ctx, sub, timeout)
		if err != nil {
			return err
		}
		blockSize, stMin = bs, st
	}
	sent := 0
	for _, f := range frames {
		if err := t.c.Send(f); err != nil {
			return err
		}
		sent++
		if stMin > 0 {
			time.Sleep(stMin)
		}
		if blockSize > 0 && sent%blockSize == 0 && sent < len(frames) {
			bs, st, err := t.awaitFlowControl(ctx, sub, timeout)
			if err != nil {
				return err
			}
			blockSize, stMin = bs, st
		}
	}
	return nil
}

func (t *Transport) awaitFlowControl(ctx context.Context, sub *canflash.Subscriber, timeout time.Duration) (int, time.Duration, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-deadline.C:
			return 0, 0, fmt.Errorf("%w: flow control 0x%03X", ErrTimeout, t.sess.RxID)
		case frame, ok := <-sub.Chan():
			if !ok {
				return 0, 0, canflash.ErrResponseChannelClosed
			}
			if len(frame.Data) == 0 {
				return 0, 0, ErrShortFrame
			}
			if frame.Data[0]&0xF0 != pciFlowControl {
				// not ours, keep waiting
				continue
			}
			switch frame.Data[0] & 0x0F {
			case flowStatusContinue:
				if len(frame.Data) < 3 {
					return 0, 0, ErrShortFrame
				}
				return int(frame.Data[1]), decodeSTmin(frame.Data[2]), nil
			case flowStatusWait:
				continue
			case flowStatusOverflow:
				return 0, 0, ErrBufferOverflow
			default:
				return 0, 0, fmt.Errorf("unknown flow status 0x%X", frame.Data[0]&0x0F)
			}
		}
	}
}

func (t *Transport) receive(ctx context.Context, sub *canflash.Subscriber, timeout time.Duration) ([]byte, error) {
	var asm Assembler
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: 0x%03X", ErrTimeout, t.sess.RxID)
		case frame, ok := <-sub.Chan():
			if !ok {
				return nil, canflash.ErrResponseChannelClosed
			}
			payload, done, err := asm.Feed(frame.Data)
			if err != nil {
				return nil, err
			}
			if asm.WantFlowControl() {
				asm.AckFlowControl()
				fc := []byte{pciFlowControl | flowStatusContinue, 0x00, 0x00}
				if t.pad {
					fc = append(fc, make([]byte, 5)...)
				}
				if err := t.c.SendFrame(t.sess.TxID, fc, canflash.Outgoing); err != nil {
					return nil, err
				}
			}
			if done {
				return payload, nil
			}
		}
	}
}

func padFrame(f *canflash.CANFrame, fill byte) {
	for len(f.Data) < 8 {
		f.Data = append(f.Data, fill)
	}
}

func decodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	// reserved values are read as the maximum
	return 127 * time.Millisecond
}
