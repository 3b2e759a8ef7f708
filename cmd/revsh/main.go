// Command revsh is the single binary that plays either session role: pass
// "-c" to run as the controller, omit it to run as the target. The binary
// name itself matters too — starting it as something beginning with
// "bindsh" flips the default transport direction to bindshell mode.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/020monkey/revsh/internal/session"
	"github.com/020monkey/revsh/pkg/banner"
	"github.com/020monkey/revsh/pkg/config"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	undo, err := maxprocs.Set()
	defer undo()
	if err != nil {
		fmt.Fprintf(os.Stderr, "revsh: maxprocs: %v\n", err)
	}

	progName := filepath.Base(os.Args[0])
	cfg, err := config.Parse(progName, os.Args[1:])
	if err != nil {
		return 2
	}

	log, err := buildLogger(cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revsh: logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	if cfg.Controller {
		banner.Print("controller")
		banner.PrintControllerStatus(cfg.Address, cfg.Interactive, !cfg.Plaintext)
	} else {
		banner.Print("target")
		banner.PrintTargetStatus(cfg.Address, !cfg.Plaintext)
	}

	ctx := context.Background()
	runOnce := func() error {
		if cfg.Controller {
			return session.RunController(ctx, cfg, log)
		}
		return session.RunTarget(ctx, cfg, log)
	}

	if cfg.Bindshell && cfg.Keepalive {
		for {
			if err := runOnce(); err != nil {
				log.Warn("session ended with error, waiting for next target", zap.Error(err))
			} else {
				log.Info("session ended, waiting for next target")
			}
		}
	}

	if err := runOnce(); err != nil {
		log.Error("session ended with error", zap.Error(err))
		return 1
	}
	return 0
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
