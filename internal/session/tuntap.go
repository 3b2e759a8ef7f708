package session

import (
	"github.com/020monkey/revsh/internal/broker"
	"github.com/020monkey/revsh/internal/tuntap"
	"github.com/020monkey/revsh/pkg/config"
	"go.uber.org/zap"
)

// attachTunTap opens any TUN/TAP device requested on the command line and
// parents it into the broker as an already-ACTIVE connection, mirroring
// broker()'s controller-only tun/tap setup ahead of entering the loop.
func attachTunTap(b *broker.Broker, cfg *config.ConfigHelper, log *zap.Logger) {
	var id uint16 = 1

	if cfg.Tun {
		dev, err := tuntap.OpenTun()
		if err != nil {
			log.Warn("tun device open failed", zap.Error(err))
		} else {
			log.Info("tun device attached", zap.String("name", dev.Name()))
			b.AdoptConnection(dev.ConnectionNode(uint16(broker.OriginController), id))
			id++
		}
	}

	if cfg.Tap {
		dev, err := tuntap.OpenTap()
		if err != nil {
			log.Warn("tap device open failed", zap.Error(err))
		} else {
			log.Info("tap device attached", zap.String("name", dev.Name()))
			b.AdoptConnection(dev.ConnectionNode(uint16(broker.OriginController), id))
		}
	}
}
