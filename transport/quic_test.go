package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestQUICLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := Options{Versions: RestrictedSupportedVersions}
	server, err := Listen("127.0.0.1:0", opts, ServerTLSConfigWith(selfSigned(t), nil))
	require.NoError(t, err)
	defer server.Shutdown()

	go func() {
		conn, err := server.Accept(ctx)
		if err != nil {
			return
		}
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		data, _ := io.ReadAll(s)
		s.Write(data)
		s.Close()
		<-conn.Context().Done()
	}()

	client, err := NewClient(opts, ClientTLSConfig(true, nil))
	require.NoError(t, err)
	defer client.Close()

	conn, err := client.Dial(ctx, server.Addr().String(), "localhost", false)
	require.NoError(t, err)
	<-conn.HandshakeComplete()
	info := conn.Info()
	assert.EqualValues(t, QUICVersion1, info.Version)
	assert.Equal(t, ALPNTokens[0], info.ALPN)
	assert.False(t, info.Used0RTT)

	s, err := conn.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.CloseWithError(NoError, ""))
	<-conn.Context().Done()
	_, err = conn.OpenStream(ctx)
	assert.True(t, IsGracefulClose(err), "%v", err)
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, normalize(nil))

	err := normalize(&quic.ApplicationError{Remote: true, ErrorCode: 0x4, ErrorMessage: "cipher"})
	var ce *CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, &CloseError{Remote: true, Code: 0x4, Reason: "cipher"}, ce)

	assert.True(t, errors.Is(normalize(quic.Err0RTTRejected), ErrEarlyDataRejected))

	other := errors.New("other")
	assert.Equal(t, other, normalize(other))
}

func TestOptionsFor(t *testing.T) {
	profile := &ScenarioProfile{Name: "optimize", MaxConcurrentStreams: 255, Use0RTT: true}
	opts := OptionsFor(profile)
	assert.EqualValues(t, 255, opts.MaxIncomingStreams)
	assert.True(t, opts.Allow0RTT)
	assert.Empty(t, opts.Versions)

	conf := opts.quicConfig()
	assert.EqualValues(t, 255, conf.MaxIncomingStreams)
	assert.Nil(t, conf.Versions)
	assert.Nil(t, conf.Tracer)
}
