// Package protocol describes the request/response framing spoken by a Pinata
// board over its serial link.
//
// Every request is a single command byte followed by a payload whose length
// is fixed per command. The device answers with a fixed-length response and
// never frames errors, so both sides must agree on the sizes below.
package protocol

import (
	"errors"
	"fmt"
)

// Command is the first byte of every request.
type Command byte

const (
	CodeRevision Command = 0xF1
	AESEncrypt   Command = 0xAE
	AESDecrypt   Command = 0xEA
	AESSetKey    Command = 0xD0
	DESEncrypt   Command = 0x44
)

const (
	AESBlockSize = 16
	DESBlockSize = 8
	RevisionSize = 16
	AckSize      = 1
)

// Ack is the single byte a device answers with after accepting a key.
const Ack byte = 0x00

// ErrUnknownCommand is returned for command bytes not listed in the frame table.
var ErrUnknownCommand = errors.New("unknown command")

// Frame holds the payload sizes for one command.
type Frame struct {
	Request  int
	Response int
}

var frames = map[Command]Frame{
	CodeRevision: {Request: 0, Response: RevisionSize},
	AESEncrypt:   {Request: AESBlockSize, Response: AESBlockSize},
	AESDecrypt:   {Request: AESBlockSize, Response: AESBlockSize},
	AESSetKey:    {Request: AESBlockSize, Response: AckSize},
	DESEncrypt:   {Request: DESBlockSize, Response: DESBlockSize},
}

// Lookup returns the frame sizes for cmd.
func Lookup(cmd Command) (Frame, error) {
	f, ok := frames[cmd]
	if !ok {
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, byte(cmd))
	}
	return f, nil
}

// EncodeRequest builds the bytes sent to the device for cmd.
func EncodeRequest(cmd Command, payload []byte) ([]byte, error) {
	f, err := Lookup(cmd)
	if err != nil {
		return nil, err
	}
	if len(payload) != f.Request {
		return nil, fmt.Errorf("%s: payload is %d bytes, want %d", cmd, len(payload), f.Request)
	}
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(cmd))
	return append(buf, payload...), nil
}

// DecodeRevision trims the NUL padding from a code revision response.
func DecodeRevision(resp []byte) string {
	n := len(resp)
	for n > 0 && resp[n-1] == 0 {
		n--
	}
	return string(resp[:n])
}

// EncodeRevision pads rev to RevisionSize, truncating if it is longer.
func EncodeRevision(rev string) []byte {
	buf := make([]byte, RevisionSize)
	copy(buf, rev)
	return buf
}

func (c Command) String() string {
	switch c {
	case CodeRevision:
		return "code_revision"
	case AESEncrypt:
		return "aes_encrypt"
	case AESDecrypt:
		return "aes_decrypt"
	case AESSetKey:
		return "aes_set_key"
	case DESEncrypt:
		return "des_encrypt"
	default:
		return fmt.Sprintf("command(0x%02X)", byte(c))
	}
}
