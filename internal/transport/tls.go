package transport

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/020monkey/revsh/internal/errs"
)

// TLSConn is a Transport backed by crypto/tls. Go's standard library has no
// anonymous-DH ciphersuite, so the "-a" trust-on-first-use mode from the
// original is expressed here as certificate-fingerprint pinning instead:
// skip chain verification, but require the peer leaf's SHA-1 match a pinned
// value when one is configured.
type TLSConn struct {
	conn *tls.Conn
	raw  net.Conn
	fd   int
	eof  bool
}

// LoadTLSConfig builds a tls.Config from a keys directory laid out the way
// the original "-d KEYS_DIR" expects it: ca.crt, cert.pem, key.pem. pinned,
// if non-empty, is a hex SHA-1 fingerprint checked in place of normal chain
// verification (the anonymous/"-a" trust mode).
func LoadTLSConfig(keysDir string, pinned string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(keysDir, "cert.pem"), filepath.Join(keysDir, "key.pem"))
	if err != nil {
		return nil, fmt.Errorf("transport: load keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caPEM, err := os.ReadFile(filepath.Join(keysDir, "ca.crt")); err == nil {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caPEM)
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if pinned != "" {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errs.Protocol
			}
			sum := sha1.Sum(rawCerts[0])
			if fmt.Sprintf("%x", sum) != pinned {
				return fmt.Errorf("transport: %w: certificate fingerprint mismatch", errs.Protocol)
			}
			return nil
		}
	}

	return cfg, nil
}

// NewTLSClient completes a TLS client handshake over conn, which must wrap a
// raw socket fd (see fdOf).
func NewTLSClient(conn net.Conn, cfg *tls.Config) (*TLSConn, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, errs.Wrap(errs.Io, "transport: tls client handshake", err)
	}
	return &TLSConn{conn: tc, raw: conn, fd: fdOf(conn)}, nil
}

// NewTLSServer completes a TLS server handshake over conn.
func NewTLSServer(conn net.Conn, cfg *tls.Config) (*TLSConn, error) {
	tc := tls.Server(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, errs.Wrap(errs.Io, "transport: tls server handshake", err)
	}
	return &TLSConn{conn: tc, raw: conn, fd: fdOf(conn)}, nil
}

func (t *TLSConn) Fd() int   { return t.fd }
func (t *TLSConn) Eof() bool { return t.eof }

func (t *TLSConn) Close() error {
	return t.conn.Close()
}

func (t *TLSConn) Read(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := t.conn.Read(buf[total:])
		total += n
		if err != nil {
			if n == 0 && isEOF(err) {
				t.eof = true
				return total, errs.Closed
			}
			if n > 0 {
				continue
			}
			return total, errs.Wrap(errs.Io, "transport: tls read", err)
		}
	}
	return total, nil
}

func (t *TLSConn) Write(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := t.conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, errs.Wrap(errs.Io, "transport: tls write", err)
		}
	}
	return total, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Fingerprint returns the hex SHA-1 of the peer's leaf certificate, for an
// operator to save as a pinned value after a first, unverified connection.
func (t *TLSConn) Fingerprint() string {
	state := t.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	sum := sha1.Sum(state.PeerCertificates[0].Raw)
	return fmt.Sprintf("%x", sum)
}

// ReadPinnedFingerprint reads <keysDir>/pinned.sha1, the fingerprint
// recorded from a prior anonymous session. A missing file is not an error —
// it just means this is the first anonymous connection to this peer.
func ReadPinnedFingerprint(keysDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(keysDir, "pinned.sha1"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// fdOf extracts the raw fd backing a *net.TCPConn for readiness-set
// registration. The tls.Conn keeps using this same fd via the netpoller;
// the broker only polls it to learn "data is available", then lets the
// tls.Conn consume it.
func fdOf(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	rc.Control(func(f uintptr) { fd = int(f) })
	return fd
}
