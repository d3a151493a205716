// Package ecusim provides a simulated UDS ECU behind the virtual adapter.
// It implements just enough of the service catalog to exercise the client,
// the security handshake and the flashing sequence without hardware.
package ecusim

import (
	"encoding/binary"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
	"github.com/ecutools/canflash/pkg/isotp"
)

const (
	sessionDefault     = 0x01
	sessionProgramming = 0x02
	sessionExtended    = 0x03
)

type Option func(*ECU)

// WithMemory seeds the simulated flash with content at base.
func WithMemory(base uint32, content []byte) Option {
	return func(e *ECU) {
		e.memBase = base
		e.mem = make([]byte, len(content))
		copy(e.mem, content)
	}
}

// WithDID registers a data identifier value.
func WithDID(did uint16, value []byte) Option {
	return func(e *ECU) {
		e.dids[did] = value
	}
}

// WithSeed fixes the security access challenge.
func WithSeed(seed []byte) Option {
	return func(e *ECU) {
		e.seed = seed
	}
}

// WithKeyFunc sets the transform the ECU expects the tester to apply.
func WithKeyFunc(fn func(seed []byte) []byte) Option {
	return func(e *ECU) {
		e.keyFunc = fn
	}
}

// WithWriteSecurityLevel gates memory writes behind a security level
// (expressed as the level number, not the sub-function).
func WithWriteSecurityLevel(level byte) Option {
	return func(e *ECU) {
		e.writeLevel = level
	}
}

// FailBlock makes the given transfer data block (1-based) answer with a
// general programming failure.
func FailBlock(n int) Option {
	return func(e *ECU) {
		e.failBlock = n
	}
}

// WithDTCs loads stored trouble codes, 4 bytes each (3 code + status).
func WithDTCs(records []byte) Option {
	return func(e *ECU) {
		e.dtcs = records
	}
}

type ECU struct {
	rxID, txID uint32 // rx = tester requests, tx = our responses

	asm     isotp.Assembler
	pending []*canflash.CANFrame

	session       byte
	securityLevel byte
	seedLevel     byte
	seedOut       bool

	seed    []byte
	keyFunc func([]byte) []byte

	mem        []byte
	memBase    uint32
	writeLevel byte

	dids map[uint16][]byte
	dtcs []byte

	download struct {
		active    bool
		address   uint32
		size      uint32
		received  uint32
		nextBlock byte
	}
	blockCount int
	failBlock  int
}

// New creates a simulated ECU listening on rxID and answering on txID.
func New(rxID, txID uint32, opts ...Option) *ECU {
	e := &ECU{
		rxID:    rxID,
		txID:    txID,
		session: sessionDefault,
		seed:    []byte{0x36, 0x57},
		keyFunc: func(seed []byte) []byte { return seed },
		dids:    make(map[uint16][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Memory exposes the simulated flash content for verification in tests.
func (e *ECU) Memory() []byte {
	return e.mem
}

// TransferAttempts reports how many transfer data requests arrived since the
// last download was announced.
func (e *ECU) TransferAttempts() int {
	return e.blockCount
}

// Responder adapts the ECU to the virtual adapter.
func (e *ECU) Responder() adapter.Responder {
	return func(f *canflash.CANFrame) []*canflash.CANFrame {
		return e.handleFrame(f)
	}
}

func (e *ECU) handleFrame(f *canflash.CANFrame) []*canflash.CANFrame {
	if f.Identifier != e.rxID || len(f.Data) == 0 {
		return nil
	}
	if f.Data[0]&0xF0 == 0x30 {
		// tester flow control releases our buffered consecutive frames
		out := e.pending
		e.pending = nil
		return out
	}
	payload, done, err := e.asm.Feed(f.Data)
	if err != nil {
		return nil
	}
	if e.asm.WantFlowControl() {
		e.asm.AckFlowControl()
		return []*canflash.CANFrame{canflash.NewFrame(e.txID, []byte{0x30, 0x00, 0x00}, canflash.Incoming)}
	}
	if !done {
		return nil
	}
	resp := e.handle(payload)
	if resp == nil {
		return nil
	}
	frames, err := isotp.Segment(e.txID, resp)
	if err != nil {
		return nil
	}
	if len(frames) > 1 {
		e.pending = frames[1:]
		return frames[:1]
	}
	return frames
}

func (e *ECU) negative(service, code byte) []byte {
	return []byte{0x7F, service, code}
}

func (e *ECU) handle(req []byte) []byte {
	service := req[0]
	switch service {
	case 0x10: // diagnostic session control
		if len(req) < 2 {
			return e.negative(service, 0x13)
		}
		e.session = req[1]
		if e.session == sessionDefault {
			e.securityLevel = 0
		}
		return []byte{0x50, req[1], 0x00, 0x32, 0x01, 0xF4}
	case 0x11: // ecu reset
		if len(req) < 2 {
			return e.negative(service, 0x13)
		}
		e.session = sessionDefault
		e.securityLevel = 0
		e.download.active = false
		return []byte{0x51, req[1]}
	case 0x3E: // tester present
		return []byte{0x7E, 0x00}
	case 0x27:
		return e.handleSecurityAccess(req)
	case 0x22: // read data by identifier
		if len(req) < 3 {
			return e.negative(service, 0x13)
		}
		did := binary.BigEndian.Uint16(req[1:3])
		value, ok := e.dids[did]
		if !ok {
			return e.negative(service, 0x31)
		}
		return append([]byte{0x62, req[1], req[2]}, value...)
	case 0x2E: // write data by identifier
		if len(req) < 3 {
			return e.negative(service, 0x13)
		}
		did := binary.BigEndian.Uint16(req[1:3])
		v := make([]byte, len(req[3:]))
		copy(v, req[3:])
		e.dids[did] = v
		return []byte{0x6E, req[1], req[2]}
	case 0x23:
		return e.handleReadMemory(req)
	case 0x3D:
		return e.handleWriteMemory(req)
	case 0x31: // routine control
		if len(req) < 4 {
			return e.negative(service, 0x13)
		}
		return []byte{0x71, req[1], req[2], req[3], 0x00}
	case 0x34:
		return e.handleRequestDownload(req)
	case 0x36:
		return e.handleTransferData(req)
	case 0x37: // transfer exit
		if !e.download.active {
			return e.negative(service, 0x24)
		}
		e.download.active = false
		return []byte{0x77}
	case 0x14: // clear diagnostic information
		e.dtcs = nil
		return []byte{0x54}
	case 0x19: // read DTC information
		if len(req) < 2 {
			return e.negative(service, 0x13)
		}
		return append([]byte{0x59, req[1], 0xFF}, e.dtcs...)
	default:
		return e.negative(service, 0x11)
	}
}

func (e *ECU) handleSecurityAccess(req []byte) []byte {
	if len(req) < 2 {
		return e.negative(0x27, 0x13)
	}
	sub := req[1]
	if sub%2 == 1 { // request seed
		level := (sub + 1) / 2
		if e.securityLevel >= level {
			// already granted, all-zero seed
			return append([]byte{0x67, sub}, make([]byte, len(e.seed))...)
		}
		e.seedLevel = level
		e.seedOut = true
		return append([]byte{0x67, sub}, e.seed...)
	}
	// send key
	level := sub / 2
	if !e.seedOut || level != e.seedLevel {
		return e.negative(0x27, 0x24)
	}
	want := e.keyFunc(e.seed)
	got := req[2:]
	if len(got) != len(want) {
		return e.negative(0x27, 0x35)
	}
	for i := range want {
		if got[i] != want[i] {
			return e.negative(0x27, 0x35)
		}
	}
	e.seedOut = false
	e.securityLevel = level
	return []byte{0x67, sub}
}

func (e *ECU) region(address uint32, length int) []byte {
	if address < e.memBase {
		return nil
	}
	off := int(address - e.memBase)
	if off+length > len(e.mem) {
		return nil
	}
	return e.mem[off : off+length]
}

func (e *ECU) handleReadMemory(req []byte) []byte {
	if len(req) < 8 || req[1] != 0x24 {
		return e.negative(0x23, 0x13)
	}
	address := binary.BigEndian.Uint32(req[2:6])
	length := int(binary.BigEndian.Uint16(req[6:8]))
	data := e.region(address, length)
	if data == nil {
		return e.negative(0x23, 0x31)
	}
	return append([]byte{0x63}, data...)
}

func (e *ECU) handleWriteMemory(req []byte) []byte {
	if len(req) < 8 || req[1] != 0x24 {
		return e.negative(0x3D, 0x13)
	}
	if e.securityLevel < e.writeLevel {
		return e.negative(0x3D, 0x33)
	}
	address := binary.BigEndian.Uint32(req[2:6])
	length := int(binary.BigEndian.Uint16(req[6:8]))
	if len(req) < 8+length {
		return e.negative(0x3D, 0x13)
	}
	dst := e.region(address, length)
	if dst == nil {
		return e.negative(0x3D, 0x31)
	}
	copy(dst, req[8:8+length])
	return []byte{0x7D, req[1], req[2], req[3], req[4], req[5]}
}

func (e *ECU) handleRequestDownload(req []byte) []byte {
	if e.session != sessionProgramming {
		return e.negative(0x34, 0x22)
	}
	if e.securityLevel < e.writeLevel {
		return e.negative(0x34, 0x33)
	}
	if len(req) < 11 || req[2] != 0x44 {
		return e.negative(0x34, 0x13)
	}
	address := binary.BigEndian.Uint32(req[3:7])
	size := binary.BigEndian.Uint32(req[7:11])
	if e.region(address, int(size)) == nil {
		return e.negative(0x34, 0x31)
	}
	e.download.active = true
	e.download.address = address
	e.download.size = size
	e.download.received = 0
	e.download.nextBlock = 1
	e.blockCount = 0
	// length format 0x20: two byte max block length (payload incl. block counter)
	return []byte{0x74, 0x20, 0x01, 0x02}
}

func (e *ECU) handleTransferData(req []byte) []byte {
	if !e.download.active {
		return e.negative(0x36, 0x24)
	}
	if len(req) < 2 {
		return e.negative(0x36, 0x13)
	}
	if req[1] != e.download.nextBlock {
		return e.negative(0x36, 0x73)
	}
	e.blockCount++
	if e.failBlock > 0 && e.blockCount == e.failBlock {
		return e.negative(0x36, 0x72)
	}
	// each block carries a 16 bit additive checksum in its last two bytes
	chunk := req[2:]
	if len(chunk) < 3 {
		return e.negative(0x36, 0x13)
	}
	data := chunk[:len(chunk)-2]
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	if binary.BigEndian.Uint16(chunk[len(chunk)-2:]) != sum {
		return e.negative(0x36, 0x72)
	}
	dst := e.region(e.download.address+e.download.received, len(data))
	if dst == nil || e.download.received+uint32(len(data)) > e.download.size {
		return e.negative(0x36, 0x31)
	}
	copy(dst, data)
	e.download.received += uint32(len(data))
	resp := []byte{0x76, e.download.nextBlock}
	e.download.nextBlock++ // wraps 0xFF -> 0x00 like the real counter
	return resp
}
