package server

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/huddle/internal/auth"
	"github.com/chronologos/huddle/internal/protocol"
	"github.com/chronologos/huddle/internal/registry"
	"github.com/chronologos/huddle/internal/transport"
)

var testUsers = auth.Table{"alice": "1234", "bob": "abcd", "carol": "pw"}

type testServer struct {
	srv    *Server
	reg    *registry.Registry
	addr   string
	cancel context.CancelFunc
	done   chan error
}

// startServer serves on a loopback TCP listener plus any extra listeners.
func startServer(t *testing.T, extra ...transport.Listener) *testServer {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	reg := registry.New()
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		srv:    New(reg, testUsers),
		reg:    reg,
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { ts.done <- ts.srv.Serve(ctx, append([]transport.Listener{ln}, extra...)...) }()
	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		ts.done <- err // let Cleanup drain it
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func dial(t *testing.T, mode transport.DialMode, addr string) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, mode, addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// readFrame reads with a timeout, since transport.Conn has no deadlines.
func readFrame(t *testing.T, c transport.Conn) (protocol.Frame, error) {
	t.Helper()
	type result struct {
		f   protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := protocol.ReadFrame(c)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return protocol.Frame{}, nil
	}
}

func expect(t *testing.T, c transport.Conn, tag, payload string) {
	t.Helper()
	f, err := readFrame(t, c)
	require.NoError(t, err)
	assert.Equal(t, tag, f.Type)
	assert.Equal(t, payload, string(f.Payload))
}

func expectEOF(t *testing.T, c transport.Conn) {
	t.Helper()
	_, err := readFrame(t, c)
	assert.ErrorIs(t, err, io.EOF)
}

func login(t *testing.T, c transport.Conn, username string) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(c, protocol.TypeAuth, []byte(username+":"+testUsers[username])))
	expect(t, c, protocol.TypeSys, protocol.AuthOK)
}

func TestServeRelaysBetweenClients(t *testing.T) {
	ts := startServer(t)
	alice := dial(t, transport.DialTCP, ts.addr)
	login(t, alice, "alice")
	bob := dial(t, transport.DialTCP, ts.addr)
	login(t, bob, "bob")
	expect(t, alice, protocol.TypeSys, "*** bob joined the chat ***\n")

	require.NoError(t, protocol.WriteFrame(bob, protocol.TypeText, []byte("hello")))
	expect(t, alice, protocol.TypeText, "[bob] hello\n")
}

func TestShutdownNotifiesActiveSessions(t *testing.T) {
	ts := startServer(t)
	alice := dial(t, transport.DialTCP, ts.addr)
	login(t, alice, "alice")
	bob := dial(t, transport.DialTCP, ts.addr)
	login(t, bob, "bob")
	expect(t, alice, protocol.TypeSys, "*** bob joined the chat ***\n")

	assert.ErrorIs(t, ts.stop(t), context.Canceled)

	for _, c := range []transport.Conn{alice, bob} {
		expect(t, c, protocol.TypeSys, ShutdownNotice)
		expectEOF(t, c)
	}
	assert.Zero(t, ts.reg.Len())
	assert.Zero(t, ts.srv.tracked())

	_, err := net.DialTimeout("tcp", ts.addr, time.Second)
	assert.Error(t, err, "listener should be closed")
}

func TestShutdownIsNotHeldByStalledPeer(t *testing.T) {
	ts := startServer(t)
	alice := dial(t, transport.DialTCP, ts.addr)
	login(t, alice, "alice") // never reads again
	bob := dial(t, transport.DialTCP, ts.addr)
	login(t, bob, "bob")
	carol := dial(t, transport.DialTCP, ts.addr)
	login(t, carol, "carol")
	expect(t, bob, protocol.TypeSys, "*** carol joined the chat ***\n")

	payload, err := protocol.EncodeEnvelope(protocol.Metadata{
		Username: "bob", Filename: "big.bin", FileType: protocol.KindFile,
	}, make([]byte, 64<<20))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(bob, protocol.TypeFile, payload))
	// The announcement means the server has read all of bob's upload.
	// carol stops reading after it, so two peers are now stalled.
	expect(t, carol, protocol.TypeSys, "*** FILE from bob: big.bin ***\n")

	start := time.Now()
	assert.ErrorIs(t, ts.stop(t), context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)

	expect(t, bob, protocol.TypeSys, ShutdownNotice)
	expectEOF(t, bob)
	assert.Zero(t, ts.srv.tracked())
}

func TestShutdownClosesUnauthenticated(t *testing.T) {
	ts := startServer(t)
	c := dial(t, transport.DialTCP, ts.addr)
	require.Eventually(t, func() bool { return ts.srv.tracked() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, ts.stop(t), context.Canceled)
	expectEOF(t, c)
}

func TestFailedSessionDoesNotStopAcceptor(t *testing.T) {
	ts := startServer(t)

	bad := dial(t, transport.DialTCP, ts.addr)
	_, err := bad.Write([]byte("TEXT  garbage!!!"))
	require.NoError(t, err)
	expectEOF(t, bad)

	wrong := dial(t, transport.DialTCP, ts.addr)
	require.NoError(t, protocol.WriteFrame(wrong, protocol.TypeAuth, []byte("alice:0000")))
	expect(t, wrong, protocol.TypeSys, protocol.AuthFail)

	good := dial(t, transport.DialTCP, ts.addr)
	login(t, good, "alice")
}

func TestServeAcrossTransports(t *testing.T) {
	wsl := transport.NewWebSocketListener(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	httpSrv := httptest.NewServer(wsl)
	t.Cleanup(httpSrv.Close)

	ts := startServer(t, wsl)
	alice := dial(t, transport.DialTCP, ts.addr)
	login(t, alice, "alice")

	bob := dial(t, transport.DialWebSocket, "ws"+strings.TrimPrefix(httpSrv.URL, "http"))
	login(t, bob, "bob")
	expect(t, alice, protocol.TypeSys, "*** bob joined the chat ***\n")

	require.NoError(t, protocol.WriteFrame(alice, protocol.TypeText, []byte("over tcp")))
	expect(t, bob, protocol.TypeText, "[alice] over tcp\n")

	assert.ErrorIs(t, ts.stop(t), context.Canceled)
	expect(t, bob, protocol.TypeSys, ShutdownNotice)
}

func TestServeWithoutListeners(t *testing.T) {
	s := New(registry.New(), testUsers)
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNoListeners)
}

func TestNextDelay(t *testing.T) {
	assert.Equal(t, minAcceptDelay, nextDelay(0))
	assert.Equal(t, 2*minAcceptDelay, nextDelay(minAcceptDelay))
	assert.Equal(t, maxAcceptDelay, nextDelay(maxAcceptDelay))
}
