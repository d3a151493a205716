package isotp

import "fmt"

// Assembler is the receive side state machine. Feed it the data bytes of each
// incoming frame; when a complete payload has been collected done is true.
type Assembler struct {
	buf      []byte
	expected int
	seq      byte
	active   bool

	// set after a first frame so the transport knows to answer with a
	// flow control frame
	wantFlowControl bool
}

// WantFlowControl reports whether a first frame was just accepted and the
// sender is waiting for a flow control frame.
func (a *Assembler) WantFlowControl() bool {
	return a.wantFlowControl
}

// AckFlowControl clears the flow control request after one has been sent.
func (a *Assembler) AckFlowControl() {
	a.wantFlowControl = false
}

func (a *Assembler) reset() {
	a.buf = nil
	a.expected = 0
	a.seq = 0
	a.active = false
}

func (a *Assembler) Feed(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return nil, false, ErrShortFrame
	}
	switch data[0] & 0xF0 {
	case pciSingle:
		length := int(data[0] & 0x0F)
		if length == 0 || len(data)-1 < length {
			return nil, false, fmt.Errorf("malformed single frame, declared %d got %d bytes", length, len(data)-1)
		}
		a.reset()
		payload := make([]byte, length)
		copy(payload, data[1:1+length])
		return payload, true, nil
	case pciFirst:
		if len(data) < 2 {
			return nil, false, ErrShortFrame
		}
		a.expected = int(data[0]&0x0F)<<8 | int(data[1])
		a.buf = make([]byte, 0, a.expected)
		a.buf = append(a.buf, data[2:]...)
		a.seq = 1
		a.active = true
		a.wantFlowControl = true
		return nil, false, nil
	case pciConsecutive:
		if !a.active {
			// stray consecutive frame, nothing in progress
			return nil, false, nil
		}
		if seq := data[0] & 0x0F; seq != a.seq {
			want := a.seq
			a.reset()
			return nil, false, fmt.Errorf("frame sequence out of order, expected 0x%X got 0x%X", want, seq)
		}
		a.seq = (a.seq + 1) & 0x0F
		a.buf = append(a.buf, data[1:]...)
		if len(a.buf) >= a.expected {
			payload := a.buf[:a.expected]
			a.reset()
			return payload, true, nil
		}
		return nil, false, nil
	case pciFlowControl:
		// the send side consumes these, ignore here
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unknown PCI type 0x%02X", data[0]&0xF0)
	}
}
