// Package simulator implements an in-process Pinata board that speaks the
// same serial protocol as the real hardware. Tests and the pinata-sim
// command use it when no board is attached.
package simulator

import (
	"context"
	"crypto/aes"
	"crypto/des"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"

	"pinatatests/internal/protocol"
)

// DefaultRevision is reported by CodeRevision unless WithRevision is used.
const DefaultRevision = "pinata-sim 1.0"

var (
	defaultAESKey = [protocol.AESBlockSize]byte{
		0xCA, 0xFE, 0xBA, 0xBE, 0xDE, 0xAD, 0xBE, 0xEF,
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	}
	defaultDESKey = [protocol.DESBlockSize]byte{0xCA, 0xFE, 0xBA, 0xBE, 0xDE, 0xAD, 0xBE, 0xEF}
)

// Option configures a Device.
type Option func(*Device)

// WithRevision sets the code revision string the device reports.
func WithRevision(rev string) Option {
	return func(d *Device) { d.revision = rev }
}

// WithLatency delays every response by latency as measured by clk.
func WithLatency(clk clock.Clock, latency time.Duration) Option {
	return func(d *Device) {
		d.clock = clk
		d.latency = latency
	}
}

// WithLogger sets the logger used for protocol tracing.
func WithLogger(logger logging.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// Device is a simulated board. It can serve any number of connections; all of
// them share the same key material, as the USB and UART ports of a real
// board do.
type Device struct {
	revision string
	clock    clock.Clock
	latency  time.Duration
	logger   logging.Logger

	mu        sync.Mutex
	aesKey    [protocol.AESBlockSize]byte
	desKey    [protocol.DESBlockSize]byte
	requests  int
	unplugged bool
	conns     map[io.Closer]struct{}

	wg sync.WaitGroup
}

// New returns a device with the default keys.
func New(opts ...Option) *Device {
	d := &Device{
		revision: DefaultRevision,
		clock:    clock.New(),
		aesKey:   defaultAESKey,
		desKey:   defaultDESKey,
		conns:    make(map[io.Closer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.NewLogger("pinata-sim")
	}
	return d
}

// Pipe returns the host end of an in-memory link to the device. The device
// end is served in the background until either end is closed.
func (d *Device) Pipe() net.Conn {
	host, dev := net.Pipe()
	if !d.track(dev) {
		dev.Close()
		return host
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.untrack(dev)
		if err := d.ServeConn(dev); err != nil {
			d.logger.Warnf("pipe connection ended: %v", err)
		}
	}()
	return host
}

// Serve accepts connections on ln until ctx is cancelled or the device is
// closed.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !d.track(conn) {
			conn.Close()
			continue
		}
		d.logger.Infof("host connected from %s", conn.RemoteAddr())
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.untrack(conn)
			if err := d.ServeConn(conn); err != nil {
				d.logger.Warnf("connection from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn answers requests on conn until it is closed. A cleanly closed
// link returns nil.
func (d *Device) ServeConn(conn io.ReadWriter) error {
	var cmdBuf [1]byte
	for {
		if _, err := io.ReadFull(conn, cmdBuf[:]); err != nil {
			return closedOK(err)
		}
		cmd := protocol.Command(cmdBuf[0])
		frame, err := protocol.Lookup(cmd)
		if err != nil {
			// Real boards ignore bytes they do not understand.
			d.logger.Debugf("ignoring %v", err)
			continue
		}

		payload := make([]byte, frame.Request)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return closedOK(err)
		}

		resp, err := d.handle(cmd, payload)
		if err != nil {
			return fmt.Errorf("handling %s: %w", cmd, err)
		}
		if d.latency > 0 {
			d.clock.Sleep(d.latency)
		}
		if _, err := conn.Write(resp); err != nil {
			return closedOK(err)
		}
	}
}

func (d *Device) handle(cmd protocol.Command, payload []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++

	switch cmd {
	case protocol.CodeRevision:
		return protocol.EncodeRevision(d.revision), nil
	case protocol.AESEncrypt, protocol.AESDecrypt:
		block, err := aes.NewCipher(d.aesKey[:])
		if err != nil {
			return nil, err
		}
		out := make([]byte, protocol.AESBlockSize)
		if cmd == protocol.AESEncrypt {
			block.Encrypt(out, payload)
		} else {
			block.Decrypt(out, payload)
		}
		return out, nil
	case protocol.AESSetKey:
		copy(d.aesKey[:], payload)
		return []byte{protocol.Ack}, nil
	case protocol.DESEncrypt:
		block, err := des.NewCipher(d.desKey[:])
		if err != nil {
			return nil, err
		}
		out := make([]byte, protocol.DESBlockSize)
		block.Encrypt(out, payload)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd)
}

// Requests returns how many well-formed requests the device has answered.
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// AESKey returns the key currently loaded for AES operations.
func (d *Device) AESKey() [protocol.AESBlockSize]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aesKey
}

// Unplug drops every open link and refuses new ones, like pulling the USB
// cable.
func (d *Device) Unplug() {
	d.mu.Lock()
	d.unplugged = true
	conns := make([]io.Closer, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close unplugs the device and waits for its connection handlers to exit.
func (d *Device) Close() error {
	d.Unplug()
	d.wg.Wait()
	return nil
}

func (d *Device) track(c io.Closer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unplugged {
		return false
	}
	d.conns[c] = struct{}{}
	return true
}

func (d *Device) untrack(c io.Closer) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
	c.Close()
}

func closedOK(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
