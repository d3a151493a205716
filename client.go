package canflash

import (
	"context"
	"time"
)

// Client binds an adapter to the frame fanout machinery. One Client owns one
// physical bus connection.
type Client struct {
	fh      *handler
	adapter Adapter
}

func NewClient(ctx context.Context, adapter Adapter) (*Client, error) {
	if adapter == nil {
		return nil, ErrNilAdapter
	}
	if err := adapter.Open(ctx); err != nil {
		return nil, err
	}
	c := &Client{
		fh:      newHandler(adapter),
		adapter: adapter,
	}
	go c.fh.run(ctx)
	return c, nil
}

func (c *Client) Adapter() Adapter {
	return c.adapter
}

func (c *Client) Close() error {
	c.fh.Close()
	return c.adapter.Close()
}

// Send a CAN frame
func (c *Client) Send(msg *CANFrame) error {
	select {
	case c.adapter.Send() <- msg:
		return nil
	case <-time.After(5 * time.Second):
		return ErrSendTimeout
	}
}

// SendFrame sends a standard 11bit frame
func (c *Client) SendFrame(identifier uint32, data []byte, t CANFrameType) error {
	return c.Send(NewFrame(identifier, data, t))
}

// Subscribe registers a subscriber for the given identifiers. No identifiers
// means all frames. The caller must Close the subscriber when done.
func (c *Client) Subscribe(ctx context.Context, identifiers ...uint32) *Subscriber {
	sub := &Subscriber{
		cl:           c,
		identifiers:  make(map[uint32]struct{}, len(identifiers)),
		filterCount:  len(identifiers),
		responseChan: make(chan *CANFrame, 40),
	}
	for _, id := range identifiers {
		sub.identifiers[id] = struct{}{}
	}
	c.fh.registerSubscriber(sub)
	return sub
}

// Poll waits for the next frame matching any of the given identifiers
func (c *Client) Poll(ctx context.Context, timeout time.Duration, identifiers ...uint32) (*CANFrame, error) {
	sub := c.Subscribe(ctx, identifiers...)
	defer sub.Close()
	return sub.waitTimeout(ctx, timeout, identifiers)
}

// SendAndWait sends a frame and waits for a response matching any of the
// given identifiers. The subscriber is registered before the frame is sent so
// a fast responder cannot slip between send and subscribe.
func (c *Client) SendAndWait(ctx context.Context, frame *CANFrame, timeout time.Duration, identifiers ...uint32) (*CANFrame, error) {
	sub := c.Subscribe(ctx, identifiers...)
	defer sub.Close()
	if err := c.Send(frame); err != nil {
		return nil, err
	}
	return sub.waitTimeout(ctx, timeout, identifiers)
}

func (s *Subscriber) waitTimeout(ctx context.Context, timeout time.Duration, identifiers []uint32) (*CANFrame, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	frame, err := s.wait(tctx)
	if err != nil {
		if tctx.Err() != nil && ctx.Err() == nil {
			return nil, &TimeoutError{
				Timeout: timeout.Milliseconds(),
				Frames:  identifiers,
				Type:    "poll",
			}
		}
		return nil, err
	}
	return frame, nil
}
