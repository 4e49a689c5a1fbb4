package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface check.
var _ Conn = (*mockConn)(nil)

// mockConn is one end of an in-memory ordered link. Chunks sunk on one end
// appear on the other end's Source.
type mockConn struct {
	in   chan []byte
	src  chan []byte
	peer *mockConn
	link *mockLink
}

type mockLink struct {
	once sync.Once
	done chan struct{}
}

func mockConns() (*mockConn, *mockConn) {
	link := &mockLink{done: make(chan struct{})}
	mk := func() *mockConn {
		m := &mockConn{in: make(chan []byte, 256), src: make(chan []byte), link: link}
		go m.pump()
		return m
	}
	a, b := mk(), mk()
	a.peer, b.peer = b, a
	return a, b
}

func (m *mockConn) pump() {
	defer close(m.src)
	for {
		select {
		case data := <-m.in:
			select {
			case m.src <- data:
			case <-m.link.done:
				return
			}
		case <-m.link.done:
			return
		}
	}
}

func (m *mockConn) Source() <-chan []byte { return m.src }

func (m *mockConn) Sink(ctx context.Context, src <-chan []byte) error {
	for {
		select {
		case data, ok := <-src:
			if !ok {
				return nil
			}
			select {
			case m.peer.in <- data:
			case <-m.link.done:
				return io.ErrClosedPipe
			}
		case <-m.link.done:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close ends the link: both sources close.
func (m *mockConn) Close() {
	m.link.once.Do(func() { close(m.link.done) })
}

// echoServer accepts TCP connections and echoes everything back.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func setup(t *testing.T) (*Client, *mockConn, *mockConn) {
	t.Helper()
	echo := echoServer(t)
	clientSide, hostSide := mockConns()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go ServeHost(ctx, hostSide, echo.Addr().String())

	client, err := Listen(ctx, 0)
	require.NoError(t, err)
	go client.Serve(ctx, clientSide)
	return client, clientSide, hostSide
}

func TestPacketRoundTrip(t *testing.T) {
	pkt, err := Decode(Encode(Packet{Type: TypeData, SocketID: 0xdeadbeef, Payload: []byte("abc")}))
	require.NoError(t, err)
	assert.Equal(t, TypeData, pkt.Type)
	assert.Equal(t, uint32(0xdeadbeef), pkt.SocketID)
	assert.Equal(t, []byte("abc"), pkt.Payload)

	_, err = Decode([]byte{TypeData, 0, 0})
	assert.Error(t, err)
	_, err = Decode([]byte{0x7f, 0, 0, 0, 1})
	assert.Error(t, err)
}

func TestEchoThroughAdapter(t *testing.T) {
	client, _, _ := setup(t)

	conn, err := net.Dial("tcp", client.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("hello through the relay")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

// TestConcurrentSockets multiplexes several TCP connections with large
// payloads over one link.
func TestConcurrentSockets(t *testing.T) {
	client, _, _ := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", client.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()

			payload := bytes.Repeat([]byte(fmt.Sprintf("%02d", i)), 40*1024)
			go conn.Write(payload)

			got := make([]byte, len(payload))
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := io.ReadFull(conn, got); assert.NoError(t, err) {
				assert.True(t, bytes.Equal(payload, got), "socket %d corrupted", i)
			}
		}(i)
	}
	wg.Wait()
}

// TestLinkEndClosesSockets ends the link and expects open TCP connections to
// be closed.
func TestLinkEndClosesSockets(t *testing.T) {
	client, clientSide, _ := setup(t)

	conn, err := net.Dial("tcp", client.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	clientSide.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHostRejectsDataForUnknownSocket(t *testing.T) {
	clientSide, hostSide := mockConns()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeHost(ctx, hostSide, "127.0.0.1:1")

	hostSide.in <- Encode(Packet{Type: TypeData, SocketID: 7, Payload: []byte("stale")})

	select {
	case msg := <-clientSide.Source():
		pkt, err := Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, Packet{Type: TypeClose, SocketID: 7}, pkt)
	case <-time.After(2 * time.Second):
		t.Fatal("no CLOSE for unknown socket")
	}
}
