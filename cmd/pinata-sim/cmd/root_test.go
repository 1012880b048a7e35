package cmd

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinatatests/internal/protocol"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "pinata-sim", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)
	assert.True(t, cmd.SilenceUsage)

	listen, err := cmd.Flags().GetString("listen")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", listen)
}

func TestServe(t *testing.T) {
	cmd := newRootCmd()
	out, w := io.Pipe()
	cmd.SetOut(w)
	cmd.SetArgs([]string{"--listen", "127.0.0.1:0", "--revision", "cli-test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	line, err := bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)
	addr := strings.TrimSpace(strings.TrimPrefix(line, "pinata-sim listening on "))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{byte(protocol.CodeRevision)})
	require.NoError(t, err)
	resp := make([]byte, protocol.RevisionSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	assert.Equal(t, "cli-test", protocol.DecodeRevision(resp))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("command did not stop after cancellation")
	}
}

func TestServeRejectsBadFlags(t *testing.T) {
	t.Run("negative latency", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"--latency", "-1s"})
		assert.Error(t, cmd.Execute())
	})

	t.Run("unexpected arguments", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"extra"})
		assert.Error(t, cmd.Execute())
	})

	t.Run("unusable listen address", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"--listen", "not-an-address"})
		assert.Error(t, cmd.Execute())
	})
}
