package transport

import (
	"context"
	"io"
	"testing"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T, network *PipeNetwork, early bool) (Connection, Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := network.Listen("server:4433")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan Connection, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err := network.Dial(ctx, "server:4433", "server", early)
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	return client, server
}

func TestPipeStreams(t *testing.T) {
	network := NewPipeNetwork()
	client, server := pipePair(t, network, false)
	ctx := context.Background()

	select {
	case <-client.HandshakeComplete():
	default:
		t.Fatal("handshake should be complete once Dial returns")
	}

	go func() {
		s, err := server.AcceptStream(ctx)
		if err != nil {
			return
		}
		data, _ := io.ReadAll(s)
		s.Write(append([]byte("echo: "), data...))
		s.Close()
	}()

	s, err := client.OpenStream(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, s.StreamID())
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", string(data))

	s2, err := client.OpenStream(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, s2.StreamID())
	assert.Equal(t, 1, network.MaxConcurrentStreams(0))
}

func TestPipeClose(t *testing.T) {
	network := NewPipeNetwork()
	client, server := pipePair(t, network, false)
	ctx := context.Background()

	s, err := client.OpenStream(ctx)
	require.NoError(t, err)
	ss, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(s)
		readErr <- err
	}()

	require.NoError(t, server.CloseWithError(0x2, "bye"))
	<-client.Context().Done()

	var ce *CloseError
	err = <-readErr
	require.True(t, errors.As(err, &ce), "%v", err)
	assert.True(t, ce.Remote)
	assert.EqualValues(t, 0x2, ce.Code)

	_, err = ss.Write([]byte("late"))
	require.True(t, errors.As(err, &ce), "%v", err)
	assert.False(t, ce.Remote)

	_, err = client.OpenStream(ctx)
	assert.Error(t, err)
	_, err = server.AcceptStream(ctx)
	assert.Error(t, err)
	assert.False(t, IsGracefulClose(err))

	events := network.Events()
	require.Len(t, events, 3)
	assert.Equal(t, PipeDial, events[0].Kind)
	assert.Equal(t, PipeOpen, events[1].Kind)
	assert.Equal(t, PipeClose, events[2].Kind)
}

func TestPipeCancel(t *testing.T) {
	network := NewPipeNetwork()
	client, server := pipePair(t, network, false)
	ctx := context.Background()

	s, err := client.OpenStream(ctx)
	require.NoError(t, err)
	ss, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	go s.CancelWrite(0x1)
	_, err = io.ReadAll(ss)
	var reset *StreamResetError
	require.True(t, errors.As(err, &reset), "%v", err)
	assert.EqualValues(t, 0x1, reset.Code)
}

func TestPipeUnreachable(t *testing.T) {
	network := NewPipeNetwork()
	_, err := network.Dial(context.Background(), "nowhere:4433", "nowhere", false)
	assert.Error(t, err)
	assert.Empty(t, network.Events())
}

func TestPipeEarlyData(t *testing.T) {
	network := NewPipeNetwork()
	network.HandshakeDelay = 50 * time.Millisecond
	l, err := network.Listen("server:4433")
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		for {
			if _, err := l.Accept(ctx); err != nil {
				return
			}
		}
	}()

	first, err := network.Dial(ctx, "server:4433", "server", true)
	require.NoError(t, err)
	<-first.HandshakeComplete()
	assert.False(t, first.Info().Used0RTT, "no session ticket yet")
	assert.False(t, first.Info().Resumed)

	second, err := network.Dial(ctx, "server:4433", "server", true)
	require.NoError(t, err)
	select {
	case <-second.HandshakeComplete():
		t.Fatal("early connection confirmed too soon")
	default:
	}
	<-second.HandshakeComplete()
	assert.True(t, second.Info().Used0RTT)
	assert.True(t, second.Info().Resumed)

	network.Reject0RTT = true
	third, err := network.Dial(ctx, "server:4433", "server", true)
	require.NoError(t, err)
	<-third.HandshakeComplete()
	assert.False(t, third.Info().Used0RTT)
}
