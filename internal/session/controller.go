// Package session wires together transport setup, frame negotiation, the
// controller/target handshake, and the broker event loop into the two
// top-level entry points a session can run as.
package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/020monkey/revsh/internal/broker"
	"github.com/020monkey/revsh/internal/frame"
	"github.com/020monkey/revsh/internal/term"
	"github.com/020monkey/revsh/internal/transport"
	"github.com/020monkey/revsh/pkg/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// defaultEnv mirrors the original's DEFAULT_ENV: the environment variable
// names forwarded from the controller's shell into the target's.
var defaultEnv = []string{"TERM", "LANG", "LC_ALL"}

// RunController dials or accepts the transport, negotiates framing, runs
// the interactive/non-interactive handshake, and drives the broker until
// the session ends. Grounded on do_control.
func RunController(ctx context.Context, cfg *config.ConfigHelper, log *zap.Logger) (err error) {
	conn, err := dialOrListen(ctx, cfg, true)
	if err != nil {
		return err
	}
	t, err := wrapTransport(conn, cfg, true, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, t.Close()) }()

	codec, err := frame.Negotiate(t)
	if err != nil {
		return fmt.Errorf("session: negotiate: %w", err)
	}

	// Agree on interactive mode.
	interactive := boolByte(cfg.Interactive)
	if err := codec.Push(&frame.Message{DataType: frame.DTInit, Data: []byte{interactive}}); err != nil {
		return fmt.Errorf("session: send interactive flag: %w", err)
	}
	resp, err := codec.Pull()
	if err != nil {
		return fmt.Errorf("session: read interactive flag: %w", err)
	}
	if resp.DataType != frame.DTInit {
		return fmt.Errorf("session: protocol violation: expected DT_INIT, got %v", resp.DataType)
	}
	sessionInteractive := cfg.Interactive && len(resp.Data) > 0 && resp.Data[0] != 0

	b := broker.New(codec, t, broker.OriginController, int(os.Stdin.Fd()), int(os.Stdout.Fd()), log)
	b.SetNopInterval(cfg.NopIntervalMs)

	if !sessionInteractive {
		return runBrokerToCompletion(b, log)
	}

	if err := codec.Push(&frame.Message{DataType: frame.DTInit, Data: []byte(cfg.Shell)}); err != nil {
		return fmt.Errorf("session: send shell: %w", err)
	}

	envPayload := buildEnvPayload(defaultEnv, codec.MaxPayload())
	if err := codec.Push(&frame.Message{DataType: frame.DTInit, Data: envPayload}); err != nil {
		return fmt.Errorf("session: send env: %w", err)
	}

	ws := term.NewWinsize(int(os.Stdin.Fd()))
	rows, cols, err := ws.Winsize()
	if err != nil {
		return fmt.Errorf("session: read local winsize: %w", err)
	}
	if err := codec.Push(&frame.Message{DataType: frame.DTInit, Data: encodeWinsize(rows, cols)}); err != nil {
		return fmt.Errorf("session: send winsize: %w", err)
	}

	restore, err := term.Raw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("session: set raw mode: %w", err)
	}
	defer func() { err = multierr.Append(err, restore()) }()

	b.SetWinsizeSource(ws)
	stopWinch := term.WatchSigwinch(b.WinchPending)
	defer stopWinch()

	if cfg.RCFile != "" {
		if err := sendRCFile(codec, cfg.RCFile); err != nil {
			log.Warn("rc file not sent", zap.Error(err))
		}
	}

	for _, spec := range cfg.Proxies {
		if node, err := bindLocalProxy(spec); err != nil {
			log.Warn("proxy bind failed", zap.String("spec", spec.ListenSpec), zap.Error(err))
		} else {
			b.AddListener(node)
		}
	}

	attachTunTap(b, cfg, log)

	return runBrokerToCompletion(b, log)
}

func runBrokerToCompletion(b *broker.Broker, log *zap.Logger) error {
	err := b.Run()
	if err != nil {
		log.Error("broker exited with error", zap.Error(err))
		return err
	}
	if !b.Eof() {
		log.Warn("broker exited without a clean peer close")
	}
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func encodeWinsize(rows, cols uint16) []byte {
	buf := make([]byte, 4)
	buf[0] = byte(rows >> 8)
	buf[1] = byte(rows)
	buf[2] = byte(cols >> 8)
	buf[3] = byte(cols)
	return buf
}

// buildEnvPayload assembles "NAME=value NAME2=value2 ..." from the
// controller's own environment, capped to fit one frame.
func buildEnvPayload(names []string, maxPayload int) []byte {
	var parts []string
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			parts = append(parts, name+"="+v)
		}
	}
	joined := strings.Join(parts, " ")
	if len(joined) > maxPayload {
		joined = joined[:maxPayload]
	}
	return []byte(joined)
}

// sendRCFile streams the rc file to the target as raw DT_TTY bytes — the
// target's shell, not this process, interprets it. config.ReadRCFile is
// used first purely to validate the file's shell-word quoting up front, so
// a malformed rc file fails locally instead of confusing the remote shell.
func sendRCFile(codec *frame.Codec, path string) error {
	if _, err := config.ReadRCFile(path); err != nil {
		return fmt.Errorf("session: rc file failed validation: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("session: read rc file: %w", err)
	}
	max := codec.MaxPayload()
	for len(data) > 0 {
		n := max
		if n > len(data) {
			n = len(data)
		}
		if err := codec.Push(&frame.Message{DataType: frame.DTTTY, Data: data[:n]}); err != nil {
			return fmt.Errorf("session: push rc file chunk: %w", err)
		}
		data = data[n:]
	}
	return nil
}

func bindLocalProxy(spec config.ProxySpec) (*broker.ProxyNode, error) {
	fd, err := listenTCP(spec.ListenSpec)
	if err != nil {
		return nil, err
	}
	n := &broker.ProxyNode{Fd: fd, Spec: spec.ListenSpec}
	if spec.Dynamic {
		n.Type = broker.Dynamic
	} else {
		n.Type = broker.Local
		n.RhostRport = spec.Target
		n.Spec = spec.ListenSpec + ":" + spec.Target
	}
	return n, nil
}

func listenTCP(spec string) (int, error) {
	addr := spec
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return -1, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("session: invalid port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("session: socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := resolveIPv4(host)
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: bind %s: %w", spec, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: listen %s: %w", spec, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: set nonblocking: %w", err)
	}
	return fd, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("session: invalid listen spec %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func resolveIPv4(host string) []byte {
	if host == "" {
		return []byte{0, 0, 0, 0}
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	if addr, err := net.ResolveIPAddr("ip4", host); err == nil {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4
		}
	}
	return []byte{0, 0, 0, 0}
}
