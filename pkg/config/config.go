// Package config parses command-line flags into a frozen ConfigHelper, the
// Go counterpart of the original's getopt-driven config_helper: a flat
// struct built once at startup and never mutated afterward.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/pflag"
)

const (
	defaultAddress   = "0.0.0.0:4444"
	defaultShell     = "/bin/bash"
	defaultRetryMin  = 10 * time.Second
	defaultRetryMax  = 20 * time.Second
	defaultTimeout   = 60 * time.Second
	defaultKeysDir   = "./keys"
)

// ProxySpec is one pre-declared "-D"/"-L" (or their reverse forms) proxy
// request, parsed but not yet bound to a listener.
type ProxySpec struct {
	// Local is true for a forward proxy/listener bound on this process;
	// false for one the peer should bind and forward back through us.
	Local bool
	// Dynamic is true for a SOCKS listener ("-D"), false for a static
	// forward ("-L").
	Dynamic bool
	// ListenSpec is the "[bind:]port" text for the listener side.
	ListenSpec string
	// Target is the "host:port" a LOCAL listener forwards to; empty for
	// DYNAMIC.
	Target string
}

// ConfigHelper is frozen immediately after Parse returns.
type ConfigHelper struct {
	Controller  bool
	Interactive bool
	Bindshell   bool
	Keepalive   bool
	Verbose     bool
	Plaintext   bool
	Anonymous   bool

	Address string
	KeysDir string
	RCFile  string
	Shell   string

	RetryMin time.Duration
	RetryMax time.Duration
	Timeout  time.Duration

	NopIntervalMs int

	Tun bool
	Tap bool

	Proxies []ProxySpec
}

// Parse builds a ConfigHelper from args (typically os.Args[1:]). The binary
// name auto-enabling bindshell mode when it starts with "bindsh" mirrors
// the original's argv[0]-sniffing convenience.
func Parse(progName string, args []string) (*ConfigHelper, error) {
	fs := pflag.NewFlagSet(progName, pflag.ContinueOnError)

	c := &ConfigHelper{
		Interactive: true,
		KeysDir:     defaultKeysDir,
		Shell:       defaultShell,
		RetryMin:    defaultRetryMin,
		RetryMax:    defaultRetryMax,
		Timeout:     defaultTimeout,
	}

	var retrySpec string

	fs.BoolVarP(&c.Controller, "controller", "c", false, "run as controller")
	fs.BoolVarP(&c.Bindshell, "bindshell", "b", false, "bindshell mode (listen instead of connect, on the target)")
	fs.BoolVarP(&c.Keepalive, "keepalive", "k", false, "keep listening for a new target after one disconnects (bindshell only)")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "verbose diagnostics")
	fs.BoolVarP(&c.Plaintext, "plaintext", "p", false, "disable TLS (debug only)")
	fs.BoolVarP(&c.Anonymous, "anonymous", "a", false, "trust-on-first-use certificate pinning instead of CA verification")
	fs.StringVarP(&c.KeysDir, "keys-dir", "d", c.KeysDir, "TLS keys directory (cert.pem, key.pem, ca.crt)")
	fs.StringVarP(&c.RCFile, "rcfile", "f", "", "rc file of commands to run at session start (controller only)")
	fs.StringVarP(&c.Shell, "shell", "s", c.Shell, "shell to spawn on the target")
	fs.StringVarP(&retrySpec, "retry", "r", "", "retry window SEC1[,SEC2] between connect attempts")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "startup timeout")
	boolN := fs.BoolP("non-interactive", "n", false, "non-interactive (no tty, no shell — pure tunnel)")
	fs.IntVar(&c.NopIntervalMs, "nop", 0, "send a keepalive NOP every N milliseconds (0 disables)")
	fs.BoolVar(&c.Tun, "tun", false, "attach a TUN device at session start (controller only)")
	fs.BoolVar(&c.Tap, "tap", false, "attach a TAP device at session start (controller only)")
	dynamicSpecs := fs.StringArrayP("dynamic", "D", nil, "[bind:]port local SOCKS listener, repeatable")
	localSpecs := fs.StringArrayP("local", "L", nil, "[bind:]port:host:port local forward listener, repeatable")
	reverseDynamicSpecs := fs.StringArray("RD", nil, "[bind:]port remote SOCKS listener (bound on the peer), repeatable")
	reverseLocalSpecs := fs.StringArray("RL", nil, "[bind:]port:host:port remote forward listener (bound on the peer), repeatable")

	// pflag only recognizes multi-letter names after "--"; the reverse
	// proxy flags are also accepted with a single dash ("-RD", "-RL").
	normalized := make([]string, len(args))
	for i, a := range args {
		if a == "-RD" || a == "-RL" {
			a = "-" + a
		}
		normalized[i] = a
	}

	if err := fs.Parse(normalized); err != nil {
		return nil, err
	}

	c.Interactive = !*boolN

	if strings.HasPrefix(progName, "bindsh") {
		c.Bindshell = true
	}

	c.Address = defaultAddress
	if fs.NArg() > 0 {
		c.Address = fs.Arg(0)
	}

	if retrySpec != "" {
		min, max, err := parseRetry(retrySpec)
		if err != nil {
			return nil, err
		}
		c.RetryMin, c.RetryMax = min, max
	}

	for _, s := range *dynamicSpecs {
		c.Proxies = append(c.Proxies, ProxySpec{Local: true, Dynamic: true, ListenSpec: s})
	}
	for _, s := range *localSpecs {
		spec, err := parseLocalForward(s)
		if err != nil {
			return nil, err
		}
		spec.Local = true
		c.Proxies = append(c.Proxies, spec)
	}
	for _, s := range *reverseDynamicSpecs {
		c.Proxies = append(c.Proxies, ProxySpec{Local: false, Dynamic: true, ListenSpec: s})
	}
	for _, s := range *reverseLocalSpecs {
		spec, err := parseLocalForward(s)
		if err != nil {
			return nil, err
		}
		spec.Local = false
		c.Proxies = append(c.Proxies, spec)
	}

	return c, nil
}

func parseRetry(spec string) (min, max time.Duration, err error) {
	parts := strings.SplitN(spec, ",", 2)
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("config: invalid retry spec %q: %w", spec, err)
	}
	stop := start + 10
	if len(parts) == 2 {
		stop, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("config: invalid retry spec %q: %w", spec, err)
		}
	}
	if stop <= start {
		return 0, 0, fmt.Errorf("config: retry window %q: stop must exceed start", spec)
	}
	return time.Duration(start) * time.Second, time.Duration(stop) * time.Second, nil
}

// parseLocalForward splits "[bind:]port:host:port" into a listen spec and
// a target.
func parseLocalForward(s string) (ProxySpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return ProxySpec{}, fmt.Errorf("config: invalid forward spec %q, want [bind:]port:host:port", s)
	}
	target := strings.Join(parts[len(parts)-2:], ":")
	listen := strings.Join(parts[:len(parts)-2], ":")
	return ProxySpec{Dynamic: false, ListenSpec: listen, Target: target}, nil
}

// ReadRCFile loads rcFile and splits it into shell-style words per
// command (one per line, blank lines and leading "#" comments skipped),
// using shlex the same way the original uses libc wordexp() on each line.
func ReadRCFile(rcFile string) ([][]string, error) {
	data, err := os.ReadFile(rcFile)
	if err != nil {
		return nil, fmt.Errorf("config: read rc file %s: %w", rcFile, err)
	}

	var commands [][]string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		words, err := shlex.Split(trimmed)
		if err != nil {
			return nil, fmt.Errorf("config: rc file %s: parse line %q: %w", rcFile, line, err)
		}
		commands = append(commands, words)
	}
	return commands, nil
}

// RetryDelay draws one randomized backoff from [RetryMin, RetryMax), the
// same jittered-retry shape as the original's target-side reconnect loop.
func (c *ConfigHelper) RetryDelay() time.Duration {
	if c.RetryMax <= c.RetryMin {
		return c.RetryMin
	}
	span := c.RetryMax - c.RetryMin
	return c.RetryMin + time.Duration(rand.Int63n(int64(span)))
}
