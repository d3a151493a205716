package canflash

import "context"

// Adapter is the boundary towards the pass-through hardware. Implementations
// translate between CANFrames and whatever the device speaks.
type Adapter interface {
	Name() string
	Open(context.Context) error
	Recv() <-chan *CANFrame
	Send() chan<- *CANFrame
	Err() <-chan error
	Event() <-chan Event
	Close() error
}

type AdapterConfig struct {
	Port          string
	PortBaudrate  int
	CANRate       float64
	CANFilter     []uint32
	UseExtendedID bool
	Debug         bool
	OnMessage     func(string)
	OnError       func(error)
}
