// ABOUTME: Tests for the bidirectional relay over real loopback sockets.
// ABOUTME: Covers transparency, zero-length streams, half-close, and error teardown.

package relay

import (
	"bytes"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case c := <-accepted:
		return dialed, c
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
		return nil, nil
	}
}

// relayedPair wires client <-> relay <-> dest and starts the relay.
// done closes when the relay returns.
func relayedPair(t *testing.T) (client, dest net.Conn, done chan Result) {
	t.Helper()
	client, relayA := tcpPair(t)
	dest, relayB := tcpPair(t)

	done = make(chan Result, 1)
	go func() {
		done <- Run(relayA, relayB, discardLogger())
	}()
	return client, dest, done
}

func waitResult(t *testing.T, done chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate")
		return Result{}
	}
}

func TestRelayTransparency(t *testing.T) {
	client, dest, done := relayedPair(t)

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		client.Write(payload)
		client.(*net.TCPConn).CloseWrite()
	}()

	got, err := io.ReadAll(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "destination must see the client's bytes unchanged")

	reply := []byte("PONG\n")
	_, err = dest.Write(reply)
	require.NoError(t, err)
	require.NoError(t, dest.Close())

	gotReply, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, reply, gotReply)

	res := waitResult(t, done)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(len(payload)), res.AToB)
	assert.Equal(t, int64(len(reply)), res.BToA)
}

func TestRelayZeroLengthStream(t *testing.T) {
	client, dest, done := relayedPair(t)

	require.NoError(t, client.Close())

	got, err := io.ReadAll(dest)
	require.NoError(t, err)
	assert.Empty(t, got)
	dest.Close()

	res := waitResult(t, done)
	assert.Zero(t, res.AToB)
	assert.Zero(t, res.BToA)
}

func TestRelayHalfClosePropagation(t *testing.T) {
	client, dest, done := relayedPair(t)

	msg := []byte("PING\n")
	_, err := client.Write(msg)
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	// Destination drains to EOF, proving the half-close crossed the relay.
	got, err := io.ReadAll(dest)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// The destination's write direction must still be open.
	reply := []byte("PONG\n")
	_, err = dest.Write(reply)
	require.NoError(t, err)
	require.NoError(t, dest.Close())

	gotReply, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, reply, gotReply)

	waitResult(t, done)
}

func TestRelayTerminatesWhenOneSideDies(t *testing.T) {
	client, dest, done := relayedPair(t)

	// Abort the client mid-stream; the relay must unwind both directions.
	_, err := client.Write([]byte("partial"))
	require.NoError(t, err)
	client.(*net.TCPConn).SetLinger(0)
	client.Close()

	waitResult(t, done)
	dest.SetReadDeadline(time.Now().Add(2 * time.Second))
	// Drain whatever arrived before the abort; the stream must end.
	_, err = io.Copy(io.Discard, dest)
	_ = err // RST may surface as an error or clean EOF depending on timing
	dest.Close()
}

func TestRelayBidirectionalInterleaved(t *testing.T) {
	client, dest, done := relayedPair(t)

	const rounds = 50
	errs := make(chan error, 1)
	go func() {
		defer dest.Close()
		buf := make([]byte, 4)
		for i := 0; i < rounds; i++ {
			if _, err := io.ReadFull(dest, buf); err != nil {
				errs <- err
				return
			}
			if _, err := dest.Write(bytes.ToUpper(buf)); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	buf := make([]byte, 4)
	for i := 0; i < rounds; i++ {
		_, err := client.Write([]byte("ping"))
		require.NoError(t, err)
		_, err = io.ReadFull(client, buf)
		require.NoError(t, err)
		assert.Equal(t, "PING", string(buf))
	}
	client.Close()

	require.NoError(t, <-errs)
	waitResult(t, done)
}
