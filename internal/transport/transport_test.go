package transport

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
)

func newID(t *testing.T) identity.ID {
	t.Helper()
	id, _, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestPipeOrderAndEOF(t *testing.T) {
	a, b := Pipe()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.WriteMessage([]byte{byte(i)}))
	}
	require.NoError(t, a.Close())

	for i := 0; i < 3; i++ {
		msg, err := b.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, msg)
	}

	_, err := b.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, b.WriteMessage([]byte("late")), io.ErrClosedPipe)
	assert.ErrorIs(t, a.WriteMessage([]byte("late")), io.ErrClosedPipe)
}

func TestPipeCloseUnblocksRead(t *testing.T) {
	a, _ := Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := a.ReadMessage()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "double close")

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by close")
	}
}

func TestPipeCopiesWrites(t *testing.T) {
	a, b := Pipe()
	buf := []byte("hello")
	require.NoError(t, a.WriteMessage(buf))
	buf[0] = 'J'

	msg, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)
}

func TestMemNetworkDial(t *testing.T) {
	n := NewMemNetwork()
	alice := n.AddHost(newID(t))
	bob := n.AddHost(newID(t))

	got := make(chan identity.ID, 1)
	bob.Handle(ProtocolDelivery, func(s Stream, remote identity.ID) {
		defer s.Close()
		got <- remote
		msg, err := s.ReadMessage()
		if err == nil {
			_ = s.WriteMessage(append([]byte("echo:"), msg...))
		}
	})

	s, err := alice.Dial(context.Background(), bob.ID(), ProtocolDelivery)
	require.NoError(t, err)
	require.NoError(t, s.WriteMessage([]byte("hi")))

	reply, err := s.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
	assert.Equal(t, alice.ID(), <-got)

	_, err = alice.Dial(context.Background(), bob.ID(), ProtocolRelay)
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = alice.Dial(context.Background(), newID(t), ProtocolDelivery)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, bob.Close())
	_, err = alice.Dial(context.Background(), bob.ID(), ProtocolDelivery)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestWSHostRoundTrip(t *testing.T) {
	server := NewWSHost(newID(t), WSHostOptions{})
	got := make(chan identity.ID, 1)
	server.Handle(ProtocolRelay, func(s Stream, remote identity.ID) {
		got <- remote
		go func() {
			defer s.Close()
			for {
				msg, err := s.ReadMessage()
				if err != nil {
					return
				}
				if err := s.WriteMessage(msg); err != nil {
					return
				}
			}
		}()
	})

	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client := NewWSHost(newID(t), WSHostOptions{
		Peers: map[identity.ID]string{server.ID(): fmt.Sprintf("ws://%s", addr)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.Dial(ctx, server.ID(), ProtocolRelay)
	require.NoError(t, err)
	assert.Equal(t, client.ID(), <-got)

	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("message-%d", i))
		require.NoError(t, s.WriteMessage(msg))
		echo, err := s.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, echo)
	}
	require.NoError(t, s.Close())

	_, err = client.Dial(ctx, server.ID(), ProtocolDelivery)
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = client.Dial(ctx, newID(t), ProtocolRelay)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestPipeCloseWrite(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, b.WriteMessage([]byte("queued")))
	require.True(t, CloseWrite(a))

	_, err := b.ReadMessage()
	assert.ErrorIs(t, err, io.EOF, "remote sees the end of a's writes")
	assert.ErrorIs(t, a.WriteMessage([]byte("late")), io.ErrClosedPipe)

	msg, err := a.ReadMessage()
	require.NoError(t, err, "a keeps reading after half-close")
	assert.Equal(t, []byte("queued"), msg)

	require.NoError(t, b.WriteMessage([]byte("still")))
	msg, err = a.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("still"), msg)
}
