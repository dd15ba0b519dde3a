package scope

import (
	"context"

	"github.com/libp2p/zeroconf/v2"

	"github.com/attolab/stm-driver/src/stm-driver/mockrig"
)

// Discover browses for network-attached rigs for the lifetime of ctx.
func (handle *Handle) Discover(ctx context.Context) chan *zeroconf.ServiceEntry {

	log := handle.log

	log.Debug("Initialized discovery.")

	// intermediary channel so discoveries are logged even with no reader
	entries := make(chan *zeroconf.ServiceEntry)

	go func() {
		err := zeroconf.Browse(ctx, mockrig.ServiceType, "local.", entries)
		if err != nil {
			log.WithError(err).Error("Browsing failed.")
		}
	}()

	return entries
}
