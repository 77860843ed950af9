package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamestore/pkg/config"
	"github.com/gamestore/pkg/wire"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.AcceptPoll = "50ms"
	cfg.Storage.DataRoot = t.TempDir()
	return cfg
}

func TestRunPublishesPortsAndServesHandshakes(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(cfg, 19999, logger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	// Port discovery files match the bound listeners.
	for _, tc := range []struct {
		file string
		port int
	}{
		{DevPortFile, srv.DevPort()},
		{LobbyPortFile, srv.LobbyPort()},
	} {
		data, err := os.ReadFile(filepath.Join(cfg.Storage.DataRoot, tc.file))
		require.NoError(t, err)
		got, err := strconv.Atoi(string(data))
		require.NoError(t, err)
		assert.Equal(t, tc.port, got)
	}
	assert.NotEqual(t, srv.DevPort(), srv.LobbyPort())

	// Each listener answers its own role's handshake.
	checkHandshake := func(port int, clientType, wantServer string) {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, wire.WriteJSON(conn, &wire.Handshake{ClientType: clientType}))
		var reply wire.HandshakeReply
		require.NoError(t, wire.ReadJSON(conn, &reply))
		assert.Equal(t, wire.StatusSuccess, reply.Status)
		assert.Equal(t, wantServer, reply.ServerType)
	}
	checkHandshake(srv.DevPort(), wire.ClientTypeDeveloper, wire.ServerTypeDeveloper)
	checkHandshake(srv.LobbyPort(), wire.ClientTypePlayer, wire.ServerTypeLobby)

	// Role mismatch on the developer port is rejected.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.DevPort())))
	require.NoError(t, err)
	require.NoError(t, wire.WriteJSON(conn, &wire.Handshake{ClientType: wire.ClientTypePlayer}))
	var reply wire.HandshakeReply
	require.NoError(t, wire.ReadJSON(conn, &reply))
	assert.Equal(t, wire.StatusError, reply.Status)
	conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestShutdownIsPrompt(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(cfg, 19999, logger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	<-srv.Ready()

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	// Accept loops poll every 50ms in this config.
	assert.Less(t, time.Since(start), 2*time.Second)
}
