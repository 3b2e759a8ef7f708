package session

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/020monkey/revsh/internal/transport"
	"github.com/020monkey/revsh/pkg/config"
	"go.uber.org/zap"
)

// dialOrListen resolves the original's init_io_controller/init_io_target
// role-swap: normally the controller listens and the target dials home,
// but "-b" (bindshell) flips it — the target listens for a controller that
// dials in instead. isController tells us which role we are; cfg.Bindshell
// tells us whether that role binds or connects.
func dialOrListen(ctx context.Context, cfg *config.ConfigHelper, isController bool) (net.Conn, error) {
	weListen := isController != cfg.Bindshell

	if weListen {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return transport.ListenAndAccept(ctx, cfg.Address)
	}
	return transport.DialWithRetry(ctx, cfg.Address, cfg.RetryMin, cfg.RetryMax)
}

// wrapTransport builds the Transport (plaintext or TLS) around conn. The
// plaintext variant detaches a dup of conn's fd for the broker's own
// readiness set; the TLS variant keeps conn and reports its raw fd.
func wrapTransport(conn net.Conn, cfg *config.ConfigHelper, isController bool, log *zap.Logger) (transport.Transport, error) {
	if cfg.Plaintext {
		fd, err := transport.DetachNonblocking(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn.Close()
		return transport.NewPlaintext(fd), nil
	}

	pinned := ""
	if cfg.Anonymous {
		p, err := transport.ReadPinnedFingerprint(cfg.KeysDir)
		if err != nil {
			log.Warn("reading pinned fingerprint failed, falling back to trust-on-first-use", zap.Error(err))
		}
		pinned = p
	}

	tlsCfg, err := transport.LoadTLSConfig(cfg.KeysDir, pinned)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: tls config: %w", err)
	}

	weListen := isController != cfg.Bindshell
	var t *transport.TLSConn
	if weListen {
		t, err = transport.NewTLSServer(conn, tlsCfg)
	} else {
		t, err = transport.NewTLSClient(conn, tlsCfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Anonymous && pinned == "" {
		fp := t.Fingerprint()
		log.Warn("trust-on-first-use: no pinned fingerprint on record, accepted peer unverified",
			zap.String("fingerprint", fp),
			zap.String("save_to", filepath.Join(cfg.KeysDir, "pinned.sha1")))
	}

	return t, nil
}
