package scope

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/mockrig"
)

// connectSim starts an in-process mock rig on a loopback listener and runs
// the regular TCP connection loop against it, so the simulator exercises the
// exact transport and framing path real hardware does.
func connectSim(ctx context.Context, log *logrus.Entry, tx chan interface{}, publish publishFn) {
	m, err := mockrig.Start(ctx, "127.0.0.1:0", false)
	if err != nil {
		log.WithError(err).Error("Could not start simulated rig.")
		return
	}

	connectTCP(ctx, log, m.Addr(), tx, publish)
}
