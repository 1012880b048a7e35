package pinatatests

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"pinatatests/internal/protocol"
)

var DeviceService = resource.NewModel("riscure", "pinata", "device")

func init() {
	resource.RegisterService(generic.API, DeviceService,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newPinataDevice,
		},
	)
}

type pinataDevice struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	client *Client
	clock  clock.Clock

	mu           sync.Mutex
	connectedAt  time.Time
	closed       bool
	commandCount int
	lastCommand  string
	lastError    string
}

func newPinataDevice(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	client, err := Dial(ctx, *conf, logger)
	if err != nil {
		return nil, err
	}
	return NewDevice(rawConf.ResourceName(), client, clock.New(), logger), nil
}

// NewDevice exposes an open client as a generic service. The service owns the
// client and closes it on Close.
func NewDevice(name resource.Name, client *Client, clk clock.Clock, logger logging.Logger) resource.Resource {
	return &pinataDevice{
		name:        name,
		logger:      logger,
		client:      client,
		clock:       clk,
		connectedAt: clk.Now(),
	}
}

func (d *pinataDevice) Name() resource.Name {
	return d.name
}

func (d *pinataDevice) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	var (
		result map[string]interface{}
		err    error
	)
	switch command {
	case "code_revision":
		result, err = d.handleCodeRevision(ctx)
	case "encrypt_aes":
		result, err = d.handleAES(ctx, cmd, d.client.EncryptAES)
	case "decrypt_aes":
		result, err = d.handleAES(ctx, cmd, d.client.DecryptAES)
	case "set_aes_key":
		result, err = d.handleSetAESKey(ctx, cmd)
	case "encrypt_des":
		result, err = d.handleEncryptDES(ctx, cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}

	d.mu.Lock()
	d.commandCount++
	d.lastCommand = command
	d.lastError = ""
	if err != nil {
		d.lastError = err.Error()
	}
	d.mu.Unlock()
	return result, err
}

func (d *pinataDevice) handleCodeRevision(ctx context.Context) (map[string]interface{}, error) {
	rev, err := d.client.CodeRevision(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading code revision: %w", err)
	}
	return map[string]interface{}{"revision": rev}, nil
}

type aesFunc func(context.Context, [protocol.AESBlockSize]byte) ([protocol.AESBlockSize]byte, error)

func (d *pinataDevice) handleAES(ctx context.Context, cmd map[string]interface{}, op aesFunc) (map[string]interface{}, error) {
	var block [protocol.AESBlockSize]byte
	if err := hexArg(cmd, "data", block[:]); err != nil {
		return nil, err
	}
	out, err := op(ctx, block)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": hex.EncodeToString(out[:])}, nil
}

func (d *pinataDevice) handleSetAESKey(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var key [protocol.AESBlockSize]byte
	if err := hexArg(cmd, "key", key[:]); err != nil {
		return nil, err
	}
	if err := d.client.SetAESKey(ctx, key); err != nil {
		return nil, fmt.Errorf("setting aes key: %w", err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (d *pinataDevice) handleEncryptDES(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var block [protocol.DESBlockSize]byte
	if err := hexArg(cmd, "data", block[:]); err != nil {
		return nil, err
	}
	out, err := d.client.EncryptDES(ctx, block)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": hex.EncodeToString(out[:])}, nil
}

// hexArg decodes cmd[key] into dst, which it must fill exactly.
func hexArg(cmd map[string]interface{}, key string, dst []byte) error {
	s, ok := cmd[key].(string)
	if !ok {
		return fmt.Errorf("missing or invalid '%s' field", key)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("'%s' is not hex: %w", key, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("'%s' must be %d bytes, got %d", key, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// GetState reports the connection for the status sensor. A link that broke
// mid-transaction reads as disconnected, with the failure in link_error.
func (d *pinataDevice) GetState() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	linkErr := ""
	if err := d.client.Err(); err != nil {
		linkErr = err.Error()
	}
	return map[string]interface{}{
		"closed":          d.closed,
		"connected":       !d.closed && linkErr == "",
		"link_error":      linkErr,
		"revision":        d.client.Revision(),
		"connected_since": d.connectedAt.UTC().Format(time.RFC3339),
		"uptime_s":        d.clock.Since(d.connectedAt).Seconds(),
		"command_count":   d.commandCount,
		"last_command":    d.lastCommand,
		"last_error":      d.lastError,
	}
}

func (d *pinataDevice) Close(context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.client.Close()
}
