package adapter

import (
	"log"
	"sync"

	"github.com/ecutools/canflash"
)

type BaseAdapter struct {
	name       string
	cfg        *canflash.AdapterConfig
	send, recv chan *canflash.CANFrame
	evt        chan canflash.Event

	errOnce sync.Once
	err     chan error

	closeOnce sync.Once
	close     chan struct{}
}

func NewBaseAdapter(name string, cfg *canflash.AdapterConfig) BaseAdapter {
	return BaseAdapter{
		name:  name,
		cfg:   cfg,
		send:  make(chan *canflash.CANFrame, 40),
		recv:  make(chan *canflash.CANFrame, 1024),
		evt:   make(chan canflash.Event, 100),
		err:   make(chan error, 1),
		close: make(chan struct{}),
	}
}

func (base *BaseAdapter) Name() string {
	return base.name
}

func (base *BaseAdapter) Send() chan<- *canflash.CANFrame {
	return base.send
}

func (base *BaseAdapter) Recv() <-chan *canflash.CANFrame {
	return base.recv
}

func (base *BaseAdapter) Err() <-chan error {
	return base.err
}

func (base *BaseAdapter) Event() <-chan canflash.Event {
	return base.evt
}

func (base *BaseAdapter) Close() {
	base.closeOnce.Do(func() {
		close(base.close)
	})
}

// Fatal flags a broken adapter, communication cannot continue.
func (base *BaseAdapter) Fatal(err error) {
	base.errOnce.Do(func() {
		if base.cfg.OnError != nil {
			base.cfg.OnError(err)
		}
		select {
		case base.err <- err:
		default:
			log.Printf("adapter error channel full: %v", err)
		}
	})
}

func (base *BaseAdapter) sendEvent(eventType canflash.EventType, details string) {
	if base.cfg.OnMessage != nil && eventType != canflash.EventTypeError {
		base.cfg.OnMessage(details)
	}
	select {
	case base.evt <- canflash.Event{Type: eventType, Details: details}:
	default:
		log.Printf("event channel full: %s", details)
	}
}

func (base *BaseAdapter) Error(err error) {
	if base.cfg.OnError != nil {
		base.cfg.OnError(err)
	}
	base.sendEvent(canflash.EventTypeError, err.Error())
}

func (base *BaseAdapter) Warn(warn string) {
	base.sendEvent(canflash.EventTypeWarning, warn)
}

func (base *BaseAdapter) Info(info string) {
	base.sendEvent(canflash.EventTypeInfo, info)
}

func (base *BaseAdapter) Debug(debug string) {
	base.sendEvent(canflash.EventTypeDebug, debug)
}
