package signaling

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
)

// DefaultRendezvous scopes discovery to clients of the same deployment;
// override with MESH_RENDEZVOUS to isolate separate installations.
const DefaultRendezvous = "meshvoice-mesh-5a1d03c9-2e0b-4d7a-9f36-0db06ab2b91c"

func rendezvousString() string {
	if rv := os.Getenv("MESH_RENDEZVOUS"); rv != "" {
		return rv
	}
	return DefaultRendezvous
}

// StartDiscovery runs mDNS and DHT discovery side by side until ctx ends.
// mDNS covers the local network; the DHT is best effort and may fail
// without internet access.
func (r *Relay) StartDiscovery(ctx context.Context) {
	rendezvous := rendezvousString()

	go r.runMDNS(ctx, rendezvous)
	go func() {
		if err := r.runDHT(ctx, rendezvous); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("DHT discovery unavailable, staying on mDNS only")
		}
	}()
}
