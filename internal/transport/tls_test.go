package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSignedKeypair writes cert.pem/key.pem under dir and returns the
// leaf certificate's SHA-1 fingerprint, for tests that need a real TLS
// identity without a CA.
func writeSelfSignedKeypair(t *testing.T, dir string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "revsh-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certOut, err := os.Create(filepath.Join(dir, "cert.pem"))
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(filepath.Join(dir, "key.pem"))
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	sum := sha1.Sum(der)
	return fmt.Sprintf("%x", sum)
}

func TestLoadTLSConfigLoadsKeypair(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedKeypair(t, dir)

	cfg, err := LoadTLSConfig(dir, "")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestLoadTLSConfigMissingKeypairErrors(t *testing.T) {
	_, err := LoadTLSConfig(t.TempDir(), "")
	assert.Error(t, err)
}

func TestLoadTLSConfigWithPinnedFingerprintEnablesSkipVerify(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedKeypair(t, dir)

	cfg, err := LoadTLSConfig(dir, "deadbeef")
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	require.NotNil(t, cfg.VerifyPeerCertificate)
}

func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		c, dialErr := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, dialErr)
		clientCh <- c
	}()
	server, err := ln.Accept()
	require.NoError(t, err)
	client := <-clientCh
	return server, client
}

func TestTLSHandshakeWithPinnedFingerprintAccepted(t *testing.T) {
	dir := t.TempDir()
	fp := writeSelfSignedKeypair(t, dir)

	serverCfg, err := LoadTLSConfig(dir, "")
	require.NoError(t, err)
	clientCfg, err := LoadTLSConfig(dir, fp)
	require.NoError(t, err)

	serverRaw, clientRaw := tcpPipe(t)
	defer serverRaw.Close()
	defer clientRaw.Close()

	serverDone := make(chan error, 1)
	go func() {
		_, serr := NewTLSServer(serverRaw, serverCfg)
		serverDone <- serr
	}()

	client, err := NewTLSClient(clientRaw, clientCfg)
	require.NoError(t, err)
	assert.Equal(t, fp, client.Fingerprint())
	require.NoError(t, <-serverDone)
}

func TestTLSHandshakeWithMismatchedPinnedFingerprintRejected(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedKeypair(t, dir)

	serverCfg, err := LoadTLSConfig(dir, "")
	require.NoError(t, err)
	clientCfg, err := LoadTLSConfig(dir, "0000000000000000000000000000000000000000")
	require.NoError(t, err)

	serverRaw, clientRaw := tcpPipe(t)
	defer serverRaw.Close()
	defer clientRaw.Close()

	go func() {
		NewTLSServer(serverRaw, serverCfg)
	}()

	_, err = NewTLSClient(clientRaw, clientCfg)
	assert.Error(t, err)
}

func TestReadPinnedFingerprintMissingFileIsNotError(t *testing.T) {
	fp, err := ReadPinnedFingerprint(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "", fp)
}

func TestReadPinnedFingerprintReturnsTrimmedContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pinned.sha1"), []byte("abc123\n"), 0o600))

	fp, err := ReadPinnedFingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, "abc123", fp)
}
