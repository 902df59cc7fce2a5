package transport

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskqd/pkg/dispatcher"
	"github.com/cuemby/taskqd/pkg/process"
	"github.com/cuemby/taskqd/pkg/protocol"
	"github.com/cuemby/taskqd/pkg/scheduler"
	"github.com/cuemby/taskqd/pkg/state"
)

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	store := state.New(dir, 1)
	proc := process.New(dir, "sh -c {{ pueue_command_string }}", nil)
	sched := scheduler.New(store, proc, scheduler.Config{Interval: time.Hour})
	return dispatcher.New(store, proc, sched)
}

func TestHandleCompletesOneRequestResponseRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	l := New(Config{Secret: "s3cret"}, newTestDispatcher(t))

	go l.handle(serverConn)

	clientErr := make(chan error, 1)
	respCh := make(chan protocol.Response, 1)
	go func() {
		r := bufio.NewReader(clientConn)
		if err := protocol.ClientHandshake(r, clientConn, "s3cret"); err != nil {
			clientErr <- err
			return
		}
		if err := protocol.WriteFrame(clientConn, protocol.Request{Kind: protocol.KindAdd, Command: "true"}); err != nil {
			clientErr <- err
			return
		}
		var resp protocol.Response
		if err := protocol.ReadFrame(r, &resp); err != nil {
			clientErr <- err
			return
		}
		respCh <- resp
		clientErr <- nil
	}()

	select {
	case err := <-clientErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not complete in time")
	}
	resp := <-respCh
	assert.True(t, resp.OK)
	assert.Equal(t, 0, resp.TaskID)
}

func TestHandleRejectsBadSecret(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	l := New(Config{Secret: "correct"}, newTestDispatcher(t))
	go l.handle(serverConn)

	r := bufio.NewReader(clientConn)
	err := protocol.ClientHandshake(r, clientConn, "wrong")
	require.Error(t, err)
}

func TestListenSocketCreatesOwnerOnlySocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not exercised on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "taskqd.socket")

	l := New(Config{SocketPath: path, SocketPermissions: 0700}, newTestDispatcher(t))
	ln, err := l.listenSocket()
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
