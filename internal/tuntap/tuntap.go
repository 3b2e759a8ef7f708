// Package tuntap implements the TUN/TAP device broker collaborator: it
// opens a kernel tunnel device and hands it to the broker as a single
// ConnectionNode already in ACTIVE state, so IP (TUN) or Ethernet (TAP)
// frames ride the same CONNECTION/DATA path as any other tunneled stream.
// This is a feature the distilled spec dropped but the original's
// handle_tun_tap_init kept, supplemented back in here.
package tuntap

import (
	"fmt"

	"github.com/020monkey/revsh/internal/broker"
	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

// Device wraps an open TUN or TAP interface.
type Device struct {
	iface *water.Interface
	fd    int
}

// OpenTun opens a new TUN (layer 3, IP frames) device.
func OpenTun() (*Device, error) { return open(water.TUN) }

// OpenTap opens a new TAP (layer 2, Ethernet frames) device.
func OpenTap() (*Device, error) { return open(water.TAP) }

func open(kind water.DeviceType) (*Device, error) {
	iface, err := water.New(water.Config{DeviceType: kind})
	if err != nil {
		return nil, fmt.Errorf("tuntap: open %v: %w", kind, err)
	}

	fd := int(iface.ReadWriteCloser.(interface{ Fd() uintptr }).Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		iface.Close()
		return nil, fmt.Errorf("tuntap: set nonblocking: %w", err)
	}

	return &Device{iface: iface, fd: fd}, nil
}

// Name returns the kernel-assigned interface name (e.g. "tun0").
func (d *Device) Name() string { return d.iface.Name() }

// Close releases the device.
func (d *Device) Close() error { return d.iface.Close() }

// ConnectionNode builds the broker.ConnectionNode this device is parented
// as, already ACTIVE per handle_tun_tap_init's contract. origin/id are
// supplied by the caller since only the broker's session knows the local
// role and the next free id.
func (d *Device) ConnectionNode(origin, id uint16) *broker.ConnectionNode {
	return &broker.ConnectionNode{
		Key:        broker.ConnKey{Origin: origin, ID: id},
		Fd:         d.fd,
		State:      broker.Active,
		RhostRport: d.Name(),
	}
}
