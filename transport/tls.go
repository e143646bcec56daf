package transport

import (
	"crypto/tls"
	"io"
	"os"
	"path/filepath"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
)

const (
	CertificateFile = "cert.pem"
	PrivateKeyFile  = "priv.key"
)

// ServerTLSConfig loads the certificate chain and key from the certificate directory.
func ServerTLSConfig(certsDir string, keyLog io.Writer) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(certsDir, CertificateFile), filepath.Join(certsDir, PrivateKeyFile))
	if err != nil {
		return nil, errors.Wrapf(err, "loading certificate from %s", certsDir)
	}
	return ServerTLSConfigWith(cert, keyLog), nil
}

func ServerTLSConfigWith(cert tls.Certificate, keyLog io.Writer) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   ALPNTokens,
		MinVersion:   tls.VersionTLS13,
		KeyLogWriter: keyLog,
	}
}

// ClientTLSConfig returns the configuration shared by every connection of a client run. Session tickets are cached
// across connections, which is what makes resumption and 0-RTT possible.
func ClientTLSConfig(insecure bool, keyLog io.Writer) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         ALPNTokens,
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
		KeyLogWriter:       keyLog,
	}
}

// OpenKeyLog opens the NSS key log file, or returns nil when path is empty.
func OpenKeyLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening key log %s", path)
	}
	return f, nil
}
