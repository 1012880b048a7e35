package pinatatests

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.viam.com/rdk/logging"

	"pinatatests/internal/protocol"
)

// Command identifies a device operation.
type Command = protocol.Command

const (
	CmdCodeRevision = protocol.CodeRevision
	CmdAESEncrypt   = protocol.AESEncrypt
	CmdAESDecrypt   = protocol.AESDecrypt
	CmdAESSetKey    = protocol.AESSetKey
	CmdDESEncrypt   = protocol.DESEncrypt
)

var (
	// ErrClosed is returned by transactions on a closed client.
	ErrClosed = errors.New("pinata client is closed")
	// ErrTimeout is returned when the device does not answer in time on a
	// link that reports timeouts as empty reads (serial ports).
	ErrTimeout = errors.New("timed out waiting for device")
)

// deadliner is implemented by net.Conn.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// readTimeouter is implemented by serial.Port, which has no deadlines.
type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// boundedReader caps each read on a serial port by what is left of the
// transaction's deadline.
type boundedReader struct {
	ctx      context.Context
	port     readTimeouter
	r        io.Reader
	deadline time.Time
	max      time.Duration
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	left := time.Until(b.deadline)
	if left <= 0 {
		return 0, ErrTimeout
	}
	if err := b.port.SetReadTimeout(min(b.max, left)); err != nil {
		return 0, fmt.Errorf("setting read timeout: %w", err)
	}
	return b.r.Read(p)
}

// Client is a connection to one Pinata board. It runs one request/response
// transaction at a time and is safe for concurrent use.
type Client struct {
	logger    logging.Logger
	ioTimeout time.Duration

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	closed   bool
	broken   error
	revision string
}

// NewClient wraps an already opened link. The client owns conn from here on.
func NewClient(conn io.ReadWriteCloser, logger logging.Logger) *Client {
	return &Client{
		logger:    logger,
		ioTimeout: defaultIOTimeout * time.Millisecond,
		conn:      conn,
	}
}

// For mocking in tests
var openSerial = func(cfg *Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(cfg.SerialPort, &serial.Mode{
		BaudRate: cfg.baudRate(),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.IOTimeout()); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	return port, nil
}

// Dial opens the link described by cfg and checks that a board answers on
// it. A single attempt is made; the link is closed again if the board does
// not respond.
func Dial(ctx context.Context, cfg Config, logger logging.Logger) (*Client, error) {
	if _, _, err := cfg.Validate("pinata"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	var (
		conn io.ReadWriteCloser
		err  error
		via  string
	)
	if cfg.SerialPort != "" {
		via = cfg.SerialPort
		conn, err = openSerial(&cfg)
	} else {
		via = cfg.Address
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", via, err)
	}

	c := NewClient(conn, logger)
	c.ioTimeout = cfg.IOTimeout()

	rev, err := c.CodeRevision(ctx)
	if err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.Warnf("closing %s after failed handshake: %v", via, cerr)
		}
		return nil, fmt.Errorf("handshake with %s: %w", via, err)
	}
	logger.Infof("connected to pinata on %s (revision %q)", via, rev)
	return c, nil
}

// Transact sends cmd with payload and returns the device's response. An I/O
// failure leaves the link in an unknown framing state, so every later
// transaction fails too.
func (c *Client) Transact(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	req, err := protocol.EncodeRequest(cmd, payload)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Lookup(cmd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.broken != nil {
		return nil, fmt.Errorf("link unusable after earlier failure: %w", c.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.ioTimeout)
	}
	var r io.Reader = c.conn
	switch conn := c.conn.(type) {
	case deadliner:
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(fired)
			conn.SetDeadline(time.Now())
		})
		defer func() {
			if !stop() {
				<-fired
			}
			conn.SetDeadline(time.Time{})
		}()
	case readTimeouter:
		// Serial reads cannot be interrupted; cancellation is seen between reads.
		r = &boundedReader{ctx: ctx, port: conn, r: c.conn, deadline: deadline, max: c.ioTimeout}
	}

	resp := make([]byte, frame.Response)
	if _, err := c.conn.Write(req); err != nil {
		c.broken = fmt.Errorf("%s: writing request: %w", cmd, err)
		return nil, c.broken
	}
	if err := readFull(r, resp); err != nil {
		c.broken = fmt.Errorf("%s: reading response: %w", cmd, err)
		return nil, c.broken
	}
	c.logger.Debugf("%s: %d byte request, %d byte response", cmd, len(req), len(resp))
	return resp, nil
}

// readFull is io.ReadFull that treats an empty read as a timeout, which is
// how serial ports report an expired read timeout.
func readFull(r io.Reader, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if m == 0 {
			return ErrTimeout
		}
	}
	return nil
}

// CodeRevision asks the board for its firmware revision string.
func (c *Client) CodeRevision(ctx context.Context) (string, error) {
	resp, err := c.Transact(ctx, CmdCodeRevision, nil)
	if err != nil {
		return "", err
	}
	rev := protocol.DecodeRevision(resp)
	c.mu.Lock()
	c.revision = rev
	c.mu.Unlock()
	return rev, nil
}

// Err reports why the client can no longer be used: ErrClosed after Close,
// or the I/O failure that broke the link. It is nil while the link is good.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.broken
}

// Revision returns the revision seen by the last CodeRevision call.
func (c *Client) Revision() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

func (c *Client) EncryptAES(ctx context.Context, block [protocol.AESBlockSize]byte) ([protocol.AESBlockSize]byte, error) {
	return c.aes(ctx, CmdAESEncrypt, block)
}

func (c *Client) DecryptAES(ctx context.Context, block [protocol.AESBlockSize]byte) ([protocol.AESBlockSize]byte, error) {
	return c.aes(ctx, CmdAESDecrypt, block)
}

func (c *Client) aes(ctx context.Context, cmd Command, block [protocol.AESBlockSize]byte) ([protocol.AESBlockSize]byte, error) {
	var out [protocol.AESBlockSize]byte
	resp, err := c.Transact(ctx, cmd, block[:])
	if err != nil {
		return out, err
	}
	copy(out[:], resp)
	return out, nil
}

// SetAESKey loads key into the board's AES engine.
func (c *Client) SetAESKey(ctx context.Context, key [protocol.AESBlockSize]byte) error {
	resp, err := c.Transact(ctx, CmdAESSetKey, key[:])
	if err != nil {
		return err
	}
	if resp[0] != protocol.Ack {
		return fmt.Errorf("device rejected key (status 0x%02X)", resp[0])
	}
	return nil
}

func (c *Client) EncryptDES(ctx context.Context, block [protocol.DESBlockSize]byte) ([protocol.DESBlockSize]byte, error) {
	var out [protocol.DESBlockSize]byte
	resp, err := c.Transact(ctx, CmdDESEncrypt, block[:])
	if err != nil {
		return out, err
	}
	copy(out[:], resp)
	return out, nil
}

// Close releases the link. Only the first call reaches the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
