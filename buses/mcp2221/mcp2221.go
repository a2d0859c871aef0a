// Package mcp2221 drives the Microchip MCP2221A USB-to-I2C bridge, exposing
// its single I2C engine as a buses.I2C. The chip speaks 64-byte HID reports;
// each report is one command (status/set-params, write, read, fetch) and the
// engine state machine is polled between transfers.
package mcp2221

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/karalabe/hid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/dsmhw/powermon/buses"
)

// Default USB identity of an MCP2221A in its factory configuration.
const (
	DefaultVID = 0x04D8
	DefaultPID = 0x00DD
)

const (
	msgSize       = 64
	internalClkHz = 12000000

	// one HID report carries at most 60 payload bytes; every device this
	// module drives transfers far less than that per transaction
	maxTransfer = 60

	cmdStatusSetParams = 0x10
	cmdGetI2CData      = 0x40
	cmdI2CWrite        = 0x90
	cmdI2CRead         = 0x91
	cmdI2CReadRepStart = 0x93
	cmdI2CWriteNoStop  = 0x94

	// engine states reported in the status response (byte 8) and in
	// command responses (bytes 1-3)
	stateIdle          = 0x00
	stateAddrNACK      = 0x25
	statePartialData   = 0x41
	stateWritingNoStop = 0x45
	stateReadPartial   = 0x54
	stateReadComplete  = 0x55
	stateReadError     = 0x7F

	engineRetries   = 50
	engineRetryWait = 300 * time.Microsecond
)

// Options selects which bridge to open and how to run its bus.
type Options struct {
	VID    uint16 // 0 means DefaultVID
	PID    uint16 // 0 means DefaultPID
	Serial string // open a specific bridge when several are attached
	FreqHz int    // bus clock; 0 keeps whatever divider the bridge has
}

// reportDevice is the slice of hid.Device the bridge uses, split out so tests
// can script the chip's responses.
type reportDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Bridge is one attached MCP2221A. The chip has a single I2C engine, so the
// bridge serializes transfers across all open handles.
type Bridge struct {
	mu     sync.Mutex
	dev    reportDevice
	logger golog.Logger
}

// NewBridge enumerates attached bridges, opens the first one matching opts,
// and optionally programs its bus clock divider.
func NewBridge(opts Options, logger golog.Logger) (*Bridge, error) {
	if !hid.Supported() {
		return nil, errors.New("USB HID access is not supported on this platform")
	}
	vid, pid := opts.VID, opts.PID
	if vid == 0 {
		vid = DefaultVID
	}
	if pid == 0 {
		pid = DefaultPID
	}
	infos := hid.Enumerate(vid, pid)
	if len(infos) == 0 {
		return nil, errors.Errorf("no MCP2221A bridge attached (vid 0x%04X pid 0x%04X)", vid, pid)
	}
	var dev *hid.Device
	for _, info := range infos {
		if opts.Serial != "" && info.Serial != opts.Serial {
			continue
		}
		opened, err := info.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open bridge %s", info.Path)
		}
		logger.Debugf("opened MCP2221A bridge %s (serial %q)", info.Path, info.Serial)
		dev = opened
		break
	}
	if dev == nil {
		return nil, errors.Errorf("no MCP2221A bridge with serial %q", opts.Serial)
	}
	bridge := newBridgeWithDevice(dev, logger)
	if opts.FreqHz != 0 {
		if err := bridge.setSpeed(context.Background(), opts.FreqHz); err != nil {
			return nil, multierr.Combine(err, dev.Close())
		}
	}
	return bridge, nil
}

// newBridgeWithDevice lets tests substitute a scripted HID device.
func newBridgeWithDevice(dev reportDevice, logger golog.Logger) *Bridge {
	return &Bridge{dev: dev, logger: logger}
}

// OpenHandle returns a handle bound to a 7-bit device address. Handles share
// the bridge's engine and may be open concurrently for different addresses.
func (b *Bridge) OpenHandle(addr byte) (buses.I2CHandle, error) {
	return &bridgeHandle{bridge: b, addr: addr & 0x7F}, nil
}

// Close releases the USB HID device. All handles become unusable.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev.Close()
}

func newMsg() []byte {
	return make([]byte, msgSize)
}

// send transmits one command report and reads back the chip's response. The
// response is returned even on failure so callers can inspect the engine
// state bytes.
func (b *Bridge) send(cmd byte, msg []byte) ([]byte, error) {
	msg[0] = cmd
	if _, err := b.dev.Write(msg); err != nil {
		return nil, errors.Wrapf(err, "bridge command 0x%02X", cmd)
	}
	rsp := newMsg()
	n, err := b.dev.Read(rsp)
	if err != nil {
		return nil, errors.Wrapf(err, "bridge command 0x%02X response", cmd)
	}
	if n < msgSize {
		return rsp, errors.Errorf("bridge command 0x%02X: short response (%d of %d bytes)", cmd, n, msgSize)
	}
	if rsp[0] != cmd || rsp[1] != stateIdle {
		return rsp, errors.Errorf("bridge command 0x%02X refused (echo 0x%02X status 0x%02X)", cmd, rsp[0], rsp[1])
	}
	return rsp, nil
}

// engineState reads the I2C state machine byte from a status report.
func (b *Bridge) engineState() (byte, error) {
	rsp, err := b.send(cmdStatusSetParams, newMsg())
	if err != nil {
		return 0, err
	}
	return rsp[8], nil
}

// cancelTransfer forces the engine out of a stuck transfer.
func (b *Bridge) cancelTransfer(ctx context.Context) error {
	msg := newMsg()
	msg[2] = 0x10
	rsp, err := b.send(cmdStatusSetParams, msg)
	if err != nil {
		return err
	}
	if rsp[2] == 0x10 {
		// the engine acknowledged a forced stop; let it settle
		goutils.SelectContextOrWait(ctx, engineRetryWait)
	}
	return nil
}

// setSpeed programs the bus clock divider. The chip derives SCL from a 12 MHz
// internal clock, so only rates in [clk/258, clk/3] are expressible.
func (b *Bridge) setSpeed(ctx context.Context, freqHz int) error {
	if freqHz < internalClkHz/258 || freqHz > internalClkHz/3 {
		return errors.Errorf("bus clock %d Hz is outside the bridge's divider range [%d, %d]",
			freqHz, internalClkHz/258, internalClkHz/3)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := newMsg()
	msg[3] = 0x20
	msg[4] = byte(internalClkHz/freqHz - 3)
	rsp, err := b.send(cmdStatusSetParams, msg)
	if err != nil {
		return err
	}
	if rsp[3] == 0x21 {
		return errors.New("cannot change the bus clock while a transfer is in progress")
	}
	return nil
}

// writeTo clocks tx out to addr. With stop false the engine holds the bus
// (state 0x45) so a repeated-start read can follow.
func (b *Bridge) writeTo(ctx context.Context, addr byte, tx []byte, stop bool) error {
	if len(tx) > maxTransfer {
		return errors.Errorf("write of %d bytes exceeds the bridge's %d byte transfer limit", len(tx), maxTransfer)
	}
	state, err := b.engineState()
	if err != nil {
		return err
	}
	if state != stateIdle {
		if err := b.cancelTransfer(ctx); err != nil {
			return err
		}
	}
	cmd := byte(cmdI2CWrite)
	if !stop {
		cmd = cmdI2CWriteNoStop
	}
	msg := newMsg()
	msg[1] = byte(len(tx))
	msg[2] = byte(len(tx) >> 8)
	msg[3] = addr << 1
	copy(msg[4:], tx)
	rsp, err := b.send(cmd, msg)
	if err != nil {
		if rsp != nil && rsp[2] == stateAddrNACK {
			return errors.Errorf("no ack from address 0x%02X", addr)
		}
		return err
	}
	want := byte(stateIdle)
	if !stop {
		want = stateWritingNoStop
	}
	for retry := 0; retry < engineRetries; retry++ {
		state, err := b.engineState()
		if err != nil {
			return err
		}
		if state == want || state == stateIdle {
			return nil
		}
		if state == stateAddrNACK {
			return errors.Errorf("no ack from address 0x%02X", addr)
		}
		if !goutils.SelectContextOrWait(ctx, engineRetryWait) {
			return ctx.Err()
		}
	}
	return errors.Errorf("bridge engine stuck after write to 0x%02X", addr)
}

// readFrom clocks count bytes in from addr. With repStart true the read
// continues a preceding no-stop write (register addressing).
func (b *Bridge) readFrom(ctx context.Context, addr byte, count int, repStart bool) ([]byte, error) {
	if count > maxTransfer {
		return nil, errors.Errorf("read of %d bytes exceeds the bridge's %d byte transfer limit", count, maxTransfer)
	}
	state, err := b.engineState()
	if err != nil {
		return nil, err
	}
	if state != stateIdle && state != stateWritingNoStop {
		if err := b.cancelTransfer(ctx); err != nil {
			return nil, err
		}
	}
	cmd := byte(cmdI2CRead)
	if repStart {
		cmd = cmdI2CReadRepStart
	}
	msg := newMsg()
	msg[1] = byte(count)
	msg[2] = byte(count >> 8)
	msg[3] = addr<<1 | 1
	if _, err := b.send(cmd, msg); err != nil {
		return nil, err
	}
	for retry := 0; retry < engineRetries; retry++ {
		rsp, err := b.send(cmdGetI2CData, newMsg())
		if err != nil {
			if rsp == nil {
				return nil, err
			}
			switch {
			case rsp[2] == stateAddrNACK:
				return nil, errors.Errorf("no ack from address 0x%02X", addr)
			case rsp[1] == statePartialData:
				// engine is still clocking bytes in
				if !goutils.SelectContextOrWait(ctx, engineRetryWait) {
					return nil, ctx.Err()
				}
				continue
			default:
				return nil, err
			}
		}
		if rsp[3] == stateReadError {
			if !goutils.SelectContextOrWait(ctx, engineRetryWait) {
				return nil, ctx.Err()
			}
			continue
		}
		if rsp[2] == stateReadPartial || rsp[2] == stateReadComplete ||
			(rsp[2] == stateIdle && rsp[3] == 0) {
			n := int(rsp[3])
			if n > count {
				n = count
			}
			out := make([]byte, n)
			copy(out, rsp[4:4+n])
			if n != count {
				return out, errors.Errorf("short read from address 0x%02X: wanted %d bytes, engine returned %d",
					addr, count, n)
			}
			return out, nil
		}
		if !goutils.SelectContextOrWait(ctx, engineRetryWait) {
			return nil, ctx.Err()
		}
	}
	return nil, errors.Errorf("bridge engine stuck reading from 0x%02X", addr)
}

type bridgeHandle struct {
	bridge *Bridge
	addr   byte
}

func (h *bridgeHandle) Write(ctx context.Context, tx []byte) error {
	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	return h.bridge.writeTo(ctx, h.addr, tx, true)
}

func (h *bridgeHandle) Read(ctx context.Context, count int) ([]byte, error) {
	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	return h.bridge.readFrom(ctx, h.addr, count, false)
}

// readReg is the write-register-then-repeated-start-read sequence all the
// register getters share. It holds the bridge lock across both halves so
// another handle cannot steal the bus between them.
func (h *bridgeHandle) readReg(ctx context.Context, register byte, count int) ([]byte, error) {
	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	if err := h.bridge.writeTo(ctx, h.addr, []byte{register}, false); err != nil {
		return nil, err
	}
	return h.bridge.readFrom(ctx, h.addr, count, true)
}

func (h *bridgeHandle) ReadByteData(ctx context.Context, register byte) (byte, error) {
	result, err := h.readReg(ctx, register, 1)
	if err != nil {
		return 0, err
	}
	return result[0], nil
}

func (h *bridgeHandle) WriteByteData(ctx context.Context, register, data byte) error {
	return h.Write(ctx, []byte{register, data})
}

func (h *bridgeHandle) ReadWordData(ctx context.Context, register byte) (uint16, error) {
	result, err := h.readReg(ctx, register, 2)
	if err != nil {
		return 0, err
	}
	return uint16(result[0])<<8 | uint16(result[1]), nil
}

func (h *bridgeHandle) WriteWordData(ctx context.Context, register byte, data uint16) error {
	return h.Write(ctx, []byte{register, byte(data >> 8), byte(data)})
}

func (h *bridgeHandle) ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
	return h.readReg(ctx, register, int(numBytes))
}

func (h *bridgeHandle) WriteBlockData(ctx context.Context, register byte, data []byte) error {
	tx := make([]byte, 0, len(data)+1)
	tx = append(tx, register)
	tx = append(tx, data...)
	return h.Write(ctx, tx)
}

// Close is a no-op; the bridge owns the HID device and other handles may
// still be using it.
func (h *bridgeHandle) Close() error {
	return nil
}
