package adapter

import (
	"context"

	"github.com/ecutools/canflash"
)

// Responder lets a simulated node answer outgoing frames. Returned frames are
// looped back on the receive channel.
type Responder func(*canflash.CANFrame) []*canflash.CANFrame

// Virtual is a loopback adapter used for testing and the simulator. Without a
// responder every sent frame is echoed back as incoming.
type Virtual struct {
	BaseAdapter
	responder Responder
}

func init() {
	if err := Register(&AdapterInfo{
		Name:        "Virtual",
		Description: "in-process loopback adapter",
		New: func(cfg *canflash.AdapterConfig) (canflash.Adapter, error) {
			return NewVirtual(cfg, nil), nil
		},
	}); err != nil {
		panic(err)
	}
}

func NewVirtual(cfg *canflash.AdapterConfig, responder Responder) *Virtual {
	return &Virtual{
		BaseAdapter: NewBaseAdapter("Virtual", cfg),
		responder:   responder,
	}
}

// SetResponder must be called before Open
func (v *Virtual) SetResponder(r Responder) {
	v.responder = r
}

func (v *Virtual) Open(ctx context.Context) error {
	go v.sendManager(ctx)
	return nil
}

func (v *Virtual) Close() error {
	v.BaseAdapter.Close()
	return nil
}

func (v *Virtual) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.close:
			return
		case frame := <-v.send:
			if v.responder == nil {
				frame.FrameType = canflash.Incoming
				v.deliver(frame)
				continue
			}
			for _, resp := range v.responder(frame) {
				resp.FrameType = canflash.Incoming
				v.deliver(resp)
			}
		}
	}
}

func (v *Virtual) deliver(frame *canflash.CANFrame) {
	select {
	case v.recv <- frame:
	default:
		v.Error(canflash.ErrDroppedFrame)
	}
}
