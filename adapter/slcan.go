package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/ecutools/canflash"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

// SLCan speaks the Lawicel ASCII protocol used by Canable style pass-through
// adapters over a serial port.
type SLCan struct {
	BaseAdapter
	port serial.Port
}

func init() {
	if err := Register(&AdapterInfo{
		Name:               "SLCan",
		Description:        "Canable SLCan adapter",
		RequiresSerialPort: true,
		Alias:              []string{"canable", "slcan"},
		New:                NewSLCan,
	}); err != nil {
		panic(err)
	}
}

func NewSLCan(cfg *canflash.AdapterConfig) (canflash.Adapter, error) {
	return &SLCan{
		BaseAdapter: NewBaseAdapter("SLCan", cfg),
	}, nil
}

func (sl *SLCan) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: sl.cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(sl.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q : %w", sl.cfg.Port, err)
	}
	p.SetReadTimeout(1 * time.Millisecond)
	p.ResetOutputBuffer()
	p.ResetInputBuffer()
	sl.port = p

	if cmd := canRateCommand(sl.cfg.CANRate); cmd != "" {
		p.Write([]byte(cmd + "\r"))
	} else {
		p.Close()
		return fmt.Errorf("unhandled CAN rate: %f", sl.cfg.CANRate)
	}
	time.Sleep(10 * time.Millisecond)
	p.Write([]byte("O\r"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sl.sendManager(gctx) })
	g.Go(func() error { return sl.recvManager(gctx) })
	go func() {
		if err := g.Wait(); err != nil {
			sl.Fatal(err)
		}
	}()
	return nil
}

func canRateCommand(kbit float64) string {
	switch kbit {
	case 10:
		return "S0"
	case 20:
		return "S1"
	case 50:
		return "S2"
	case 100:
		return "S3"
	case 125:
		return "S4"
	case 250:
		return "S5"
	case 500:
		return "S6"
	case 750:
		return "S7"
	case 1000:
		return "S8"
	}
	return ""
}

func (sl *SLCan) Close() error {
	sl.BaseAdapter.Close()
	if sl.port == nil {
		return nil
	}
	sl.port.Write([]byte("C\r"))
	time.Sleep(10 * time.Millisecond)
	return sl.port.Close()
}

func (sl *SLCan) sendManager(ctx context.Context) error {
	f := bytes.NewBuffer(nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sl.close:
			return nil
		case frame := <-sl.send:
			f.WriteString(fmt.Sprintf("t%03X", frame.Identifier&0x7FF))
			f.WriteString(strconv.Itoa(frame.DLC()))
			f.WriteString(hex.EncodeToString(frame.Data))
			f.WriteByte('\r')
			if _, err := sl.port.Write(f.Bytes()); err != nil {
				return fmt.Errorf("failed to write to com port: %s, %w", f.String(), err)
			}
			if sl.cfg.Debug {
				log.Println(">> " + f.String())
			}
			f.Reset()
		}
	}
}

func (sl *SLCan) recvManager(ctx context.Context) error {
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 16)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sl.close:
			return nil
		default:
		}
		n, err := sl.port.Read(readBuffer)
		if err != nil {
			return fmt.Errorf("failed to read com port: %w", err)
		}
		if n == 0 {
			continue
		}
		sl.parse(buff, readBuffer[:n])
	}
}

func (sl *SLCan) parse(buff *bytes.Buffer, readBuffer []byte) {
	for _, b := range readBuffer {
		if b != 0x0D {
			if b != 0x07 {
				buff.WriteByte(b)
			} else {
				sl.Error(errors.New("unknown command"))
			}
			continue
		}
		if buff.Len() == 0 {
			continue
		}
		by := buff.Bytes()
		switch by[0] {
		case 'F':
			if err := decodeStatus(by); err != nil {
				sl.Error(fmt.Errorf("CAN status error: %w", err))
			}
		case 't':
			if sl.cfg.Debug {
				log.Println("<< " + buff.String())
			}
			f, err := decodeFrame(by)
			if err != nil {
				sl.Error(fmt.Errorf("failed to decode frame: %X", by))
				buff.Reset()
				continue
			}
			select {
			case sl.recv <- f:
			default:
				sl.Error(canflash.ErrDroppedFrame)
			}
		case 'z':
			// transmit ack, ignore
		default:
			sl.Debug("unknown>> " + buff.String())
		}
		buff.Reset()
	}
}

func decodeFrame(buff []byte) (*canflash.CANFrame, error) {
	if len(buff) < 5 {
		return nil, errors.New("frame too short")
	}
	id, err := strconv.ParseUint(string(buff[1:4]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identifier: %w", err)
	}
	data, err := hex.DecodeString(string(buff[5:]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return canflash.NewFrame(uint32(id), data, canflash.Incoming), nil
}
