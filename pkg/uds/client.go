// Package uds implements a Unified Diagnostic Services client on top of the
// segmented transport. All calls are synchronous: one request, one response,
// guarded by an exclusive conversation lock per ECU connection.
package uds

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ecutools/canflash/pkg/isotp"
)

const (
	defaultTimeout         = 150 * time.Millisecond
	responsePendingTimeout = 5 * time.Second
)

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

type Client struct {
	tp      *isotp.Transport
	timeout time.Duration

	mu      sync.Mutex
	session EcuSession
}

func New(tp *isotp.Transport, opts ...Option) *Client {
	c := &Client{
		tp:      tp,
		timeout: defaultTimeout,
		session: EcuSession{Type: SessionDefault},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a copy of the current session state.
func (c *Client) Session() EcuSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Call sends [service]+data and validates the response pairing. The returned
// slice is the response payload after the positive service id byte.
func (c *Client) Call(ctx context.Context, service byte, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call(ctx, service, data)
}

// call must be invoked with c.mu held.
func (c *Client) call(ctx context.Context, service byte, data []byte) ([]byte, error) {
	req := append([]byte{service}, data...)
	resp, err := c.tp.SendReceiveWait(ctx, req, c.timeout, responsePendingTimeout, func(p []byte) bool {
		return len(p) >= 3 && p[0] == ServiceNegativeResponse && p[2] == NRCResponsePending
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ServiceName(service), err)
	}
	if len(resp) >= 3 && resp[0] == ServiceNegativeResponse {
		return nil, &NegativeResponseError{Service: resp[1], Code: resp[2]}
	}
	if len(resp) == 0 || resp[0] != service+positiveResponse {
		got := byte(0)
		if len(resp) > 0 {
			got = resp[0]
		}
		return nil, &UnexpectedServiceError{Want: service + positiveResponse, Got: got}
	}
	return resp[1:], nil
}

// DiagnosticSessionControl switches the diagnostic session. $10
func (c *Client) DiagnosticSessionControl(ctx context.Context, session SessionType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.call(ctx, ServiceDiagnosticSessionControl, []byte{byte(session)})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != byte(session) {
		return fmt.Errorf("session control did not echo level 0x%02X", session)
	}
	c.session.Type = session
	if session == SessionDefault {
		// dropping back to default clears any granted access
		c.session.SecurityLevel = LevelLocked
	}
	return nil
}

// ECUReset restarts the ECU. $11
func (c *Client) ECUReset(ctx context.Context, resetType byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.call(ctx, ServiceECUReset, []byte{resetType})
	if err == nil {
		c.session = EcuSession{Type: SessionDefault}
	}
	return err
}

// SecurityAccessRequestSeed asks for the challenge bound to level. $27 odd
func (c *Client) SecurityAccessRequestSeed(ctx context.Context, level SecurityLevel) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.call(ctx, ServiceSecurityAccess, []byte{level.RequestSeedSub()})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] != level.RequestSeedSub() {
		return nil, fmt.Errorf("seed response does not echo sub-function 0x%02X", level.RequestSeedSub())
	}
	return resp[1:], nil
}

// SecurityAccessSendKey answers the challenge. A positive response raises the
// session's security level. $27 even
func (c *Client) SecurityAccessSendKey(ctx context.Context, level SecurityLevel, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.call(ctx, ServiceSecurityAccess, append([]byte{level.SendKeySub()}, key...))
	if err != nil {
		return err
	}
	c.session.SecurityLevel = level
	return nil
}

// ReadDataByIdentifier reads one DID. $22
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.call(ctx, ServiceReadDataByIdentifier, []byte{byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || binary.BigEndian.Uint16(resp[:2]) != did {
		return nil, fmt.Errorf("response does not echo DID 0x%04X", did)
	}
	return resp[2:], nil
}

// WriteDataByIdentifier writes one DID. $2E
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := append([]byte{byte(did >> 8), byte(did)}, data...)
	resp, err := c.call(ctx, ServiceWriteDataByIdentifier, req)
	if err != nil {
		return err
	}
	if len(resp) < 2 || binary.BigEndian.Uint16(resp[:2]) != did {
		return fmt.Errorf("response does not echo DID 0x%04X", did)
	}
	return nil
}

// ReadMemoryByAddress reads length bytes starting at address. $23
// Address and length format is fixed at 4+2 bytes.
func (c *Client) ReadMemoryByAddress(ctx context.Context, address uint32, length uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readMemory(ctx, address, length)
}

func (c *Client) readMemory(ctx context.Context, address uint32, length uint16) ([]byte, error) {
	req := make([]byte, 7)
	req[0] = 0x24 // addressAndLengthFormatIdentifier: 4 byte address, 2 byte size
	binary.BigEndian.PutUint32(req[1:5], address)
	binary.BigEndian.PutUint16(req[5:7], length)
	resp, err := c.call(ctx, ServiceReadMemoryByAddress, req)
	if err != nil {
		return nil, err
	}
	if len(resp) != int(length) {
		return nil, fmt.Errorf("read 0x%08X: got %d bytes, want %d", address, len(resp), length)
	}
	return resp, nil
}

// WriteMemoryByAddress writes data starting at address. $3D
func (c *Client) WriteMemoryByAddress(ctx context.Context, address uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeMemory(ctx, address, data)
}

func (c *Client) writeMemory(ctx context.Context, address uint32, data []byte) error {
	req := make([]byte, 7, 7+len(data))
	req[0] = 0x24
	binary.BigEndian.PutUint32(req[1:5], address)
	binary.BigEndian.PutUint16(req[5:7], uint16(len(data)))
	req = append(req, data...)
	_, err := c.call(ctx, ServiceWriteMemoryByAddress, req)
	return err
}

// RoutineControl starts, stops or polls a routine. $31
func (c *Client) RoutineControl(ctx context.Context, controlType byte, routineID uint16, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := append([]byte{controlType, byte(routineID >> 8), byte(routineID)}, data...)
	resp, err := c.call(ctx, ServiceRoutineControl, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || resp[0] != controlType || binary.BigEndian.Uint16(resp[1:3]) != routineID {
		return nil, fmt.Errorf("routine 0x%04X: malformed control response", routineID)
	}
	return resp[3:], nil
}

// RequestDownload announces a transfer of size bytes to address and returns
// the maximum block length the ECU accepts per TransferData. $34
func (c *Client) RequestDownload(ctx context.Context, address, size uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := make([]byte, 10)
	req[0] = 0x00 // dataFormatIdentifier: no compression, no encryption
	req[1] = 0x44 // 4 byte address, 4 byte size
	binary.BigEndian.PutUint32(req[2:6], address)
	binary.BigEndian.PutUint32(req[6:10], size)
	resp, err := c.call(ctx, ServiceRequestDownload, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("request download: short response")
	}
	n := int(resp[0] >> 4)
	if n == 0 || len(resp) < 1+n {
		return 0, fmt.Errorf("request download: bad length format 0x%02X", resp[0])
	}
	var maxBlock int
	for _, b := range resp[1 : 1+n] {
		maxBlock = maxBlock<<8 | int(b)
	}
	return maxBlock, nil
}

// TransferData sends one block of a download. $36
func (c *Client) TransferData(ctx context.Context, blockNumber byte, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.call(ctx, ServiceTransferData, append([]byte{blockNumber}, chunk...))
	if err != nil {
		return err
	}
	if len(resp) < 1 {
		return fmt.Errorf("transfer data: short response")
	}
	if resp[0] != blockNumber {
		return fmt.Errorf("transfer data: block counter mismatch, sent 0x%02X got 0x%02X", blockNumber, resp[0])
	}
	return nil
}

// TransferExit ends a download. $37
func (c *Client) TransferExit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.call(ctx, ServiceRequestTransferExit, nil)
	return err
}

// ClearDiagnosticInformation erases all stored DTCs. $14
func (c *Client) ClearDiagnosticInformation(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.call(ctx, ServiceClearDiagnosticInformation, []byte{0xFF, 0xFF, 0xFF})
	return err
}

// ReadDTCInformation fetches the raw DTC report for the given report type. $19
func (c *Client) ReadDTCInformation(ctx context.Context, reportType byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.call(ctx, ServiceReadDTCInformation, []byte{reportType, 0xFF})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] != reportType {
		return nil, fmt.Errorf("DTC report does not echo type 0x%02X", reportType)
	}
	return resp[1:], nil
}

// TesterPresent keeps an elevated session alive. Failures are logged, never
// fatal: a missed keep-alive at worst drops the session back to default. $3E
func (c *Client) TesterPresent(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.call(ctx, ServiceTesterPresent, []byte{0x00})
	if err != nil {
		log.Printf("failed to send keep-alive: %v", err)
		return
	}
	if len(resp) < 1 || resp[0] != 0x00 {
		log.Printf("keep-alive invalid response: %X", resp)
	}
}

// StartTesterPresent runs a background heartbeat until the returned stop
// function is called or ctx is done. The conversation lock keeps it from
// interleaving with foreground calls.
func (c *Client) StartTesterPresent(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				c.TesterPresent(ctx)
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
	}
}
