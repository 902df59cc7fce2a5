package protocol

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Kind: KindAdd, Command: "true", Group: "default", Priority: 3}

	require.NoError(t, WriteFrame(&buf, req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, req, got)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Request{Kind: KindStatus}))

	raw := buf.Bytes()
	corrupted := append([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, raw[8:]...)

	var got Request
	err := ReadFrame(bytes.NewReader(corrupted), &got)
	require.Error(t, err)
}

func TestHandshakeSucceedsWithMatchingVersionAndSecret(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- ServerHandshake(bufio.NewReader(serverConn), serverConn, "s3cret")
	}()

	clientErr := ClientHandshake(bufio.NewReader(clientConn), clientConn, "s3cret")
	require.NoError(t, clientErr)
	require.NoError(t, <-serverErr)
}

func TestHandshakeRejectsBadSecret(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- ServerHandshake(bufio.NewReader(serverConn), serverConn, "correct")
	}()

	clientErr := ClientHandshake(bufio.NewReader(clientConn), clientConn, "wrong")
	require.Error(t, clientErr)
	require.Error(t, <-serverErr)
}

func TestHandshakeThenFrameShareOneReaderWithoutLoss(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErr := make(chan error, 1)
	serverReq := make(chan Request, 1)
	go func() {
		r := bufio.NewReader(serverConn)
		if err := ServerHandshake(r, serverConn, "s3cret"); err != nil {
			serverErr <- err
			return
		}
		var req Request
		if err := ReadFrame(r, &req); err != nil {
			serverErr <- err
			return
		}
		serverReq <- req
		serverErr <- nil
	}()

	clientReader := bufio.NewReader(clientConn)
	require.NoError(t, ClientHandshake(clientReader, clientConn, "s3cret"))
	require.NoError(t, WriteFrame(clientConn, Request{Kind: KindStatus}))

	select {
	case err := <-serverErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not complete in time")
	}
	assert.Equal(t, KindStatus, (<-serverReq).Kind)
}
