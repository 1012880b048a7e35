// Package pinatatest owns the Pinata connection shared by every test in a
// go test process.
//
// A package that talks to a board wires it up from TestMain:
//
//	func TestMain(m *testing.M) {
//		pinatatest.Main(m)
//	}
//
// and its tests borrow the live connection with
//
//	client := pinatatest.Instance().MustClient(t)
//
// The connection is opened once before the first test and closed after the
// last one. If it cannot be opened no test runs at all.
package pinatatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"pinatatests"
)

// State is where an Environment is in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrNotConnected     = errors.New("pinata is not connected")
	ErrAlreadyConnected = errors.New("pinata is already connected")
	ErrTornDown         = errors.New("test environment was already torn down")
)

// Connector opens a verified connection to a board. It is called once, from
// SetUp, with a context bounded by the config's connect timeout. A client
// returned together with an error is closed by SetUp.
type Connector func(ctx context.Context, cfg pinatatests.Config, logger logging.Logger) (*pinatatests.Client, error)

// TearDownFunc runs against the live connection just before it is closed.
type TearDownFunc func(ctx context.Context, client *pinatatests.Client) error

// Option configures an Environment.
type Option func(*Environment)

func WithLogger(logger logging.Logger) Option {
	return func(e *Environment) { e.logger = logger }
}

// WithConnector replaces pinatatests.Dial as the way the connection is made.
func WithConnector(connect Connector) Option {
	return func(e *Environment) { e.connect = connect }
}

func WithClock(clk clock.Clock) Option {
	return func(e *Environment) { e.clock = clk }
}

// Environment holds the process-wide connection to a board. Its client is
// set if and only if the state is StateConnected. It must not be copied.
type Environment struct {
	cfg     pinatatests.Config
	logger  logging.Logger
	connect Connector
	clock   clock.Clock

	mu          sync.Mutex
	state       State
	client      *pinatatests.Client
	connectedAt time.Time
	onTearDown  []TearDownFunc
}

// New returns an environment that will connect using cfg. Nothing is opened
// until SetUp.
func New(cfg pinatatests.Config, opts ...Option) *Environment {
	e := &Environment{
		cfg:     cfg,
		connect: pinatatests.Dial,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewLogger("pinatatest")
	}
	return e
}

// NewFromEnv is New with the config taken from the PINATA_* variables.
func NewFromEnv(opts ...Option) (*Environment, error) {
	cfg, err := pinatatests.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("reading pinata config: %w", err)
	}
	return New(cfg, opts...), nil
}

// SetUp opens the connection. There is exactly one attempt; on failure the
// environment stays uninitialized and the error is returned.
func (e *Environment) SetUp(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateConnected:
		return ErrAlreadyConnected
	case StateDisconnected:
		return ErrTornDown
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout())
	defer cancel()

	client, err := e.connect(ctx, e.cfg, e.logger)
	if err != nil {
		if client != nil {
			if cerr := client.Close(); cerr != nil {
				e.logger.Warnf("closing half-open pinata connection: %v", cerr)
			}
		}
		return fmt.Errorf("connecting to pinata: %w", err)
	}
	if client == nil {
		return errors.New("connecting to pinata: connector returned no client")
	}

	e.client = client
	e.state = StateConnected
	e.connectedAt = e.clock.Now()
	e.logger.Infof("pinata test environment connected (revision %q)", client.Revision())
	return nil
}

// OnTearDown registers fn to run before the connection is closed. Functions
// run in reverse registration order, and only if the environment connected.
func (e *Environment) OnTearDown(fn TearDownFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTearDown = append(e.onTearDown, fn)
}

// TearDown closes the connection. It always leaves a connected environment
// disconnected, even when a teardown function or the close itself fails.
// Tearing down an environment that never connected, or tearing down twice,
// does nothing. The connection is closed even if a teardown function panics.
func (e *Environment) TearDown(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.state != StateConnected {
		state := e.state
		e.mu.Unlock()
		e.logger.Debugf("teardown with pinata %s, nothing to release", state)
		return nil
	}
	client := e.client
	hooks := e.onTearDown
	connectedAt := e.connectedAt
	e.client = nil
	e.onTearDown = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	defer func() {
		if cerr := client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing pinata connection: %w", cerr))
		}
		e.logger.Infof("pinata test environment disconnected after %v", e.clock.Since(connectedAt).Round(time.Millisecond))
	}()

	for i := len(hooks) - 1; i >= 0; i-- {
		err = multierr.Append(err, hooks[i](ctx, client))
	}
	return err
}

// Client returns the live connection, or ErrNotConnected outside the window
// between a successful SetUp and TearDown. Every call in that window returns
// the same client. Callers must not close it.
func (e *Environment) Client() (*pinatatests.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return nil, fmt.Errorf("%w (environment is %s)", ErrNotConnected, e.state)
	}
	return e.client, nil
}

// MustClient is Client for test bodies: it stops the test immediately instead
// of returning an error.
func (e *Environment) MustClient(tb testing.TB) *pinatatests.Client {
	tb.Helper()
	c, err := e.Client()
	if err != nil {
		tb.Fatalf("pinata test environment: %v", err)
	}
	return c
}

func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ConnectedAt is when SetUp succeeded, or the zero time if it has not.
func (e *Environment) ConnectedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectedAt
}
