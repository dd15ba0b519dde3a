// Package scope manages the driver's connection to an STM rig: transports
// (serial, TCP, in-process simulator), the I/O loop that multiplexes command
// writes and frame reads over one link, and the WebSocket surface exposed to
// the GUI.
package scope

import (
	"context"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/scan"
)

// Broker topics. "tx" carries outgoing command strings, "frames" the decoded
// line/point frames, "status" the payload-less OK/ERR headers.
const (
	topicTx     = "tx"
	topicFrames = "frames"
	topicStatus = "status"
)

// Handle manages the connection to a rig.
type Handle struct {
	broker *pubsub.PubSub

	// Address of the currently connected rig, nil when disconnected
	Address *string

	ctx context.Context

	cancelCurrentConnection context.CancelFunc
	connectionChangeMutex   *sync.Mutex

	scanControl *scan.Controller

	log *logrus.Entry
}

// New returns an initialized rig handler.
func New(ctx context.Context, log *logrus.Entry) *Handle {
	handle := Handle{}

	handle.ctx = ctx
	handle.log = log
	handle.connectionChangeMutex = &sync.Mutex{}

	handle.broker = pubsub.New(32)

	go func() {
		<-ctx.Done()
		handle.broker.Shutdown()
	}()

	return &handle
}

// SetScanControl wires the scan controller into the WebSocket surface. The
// controller is constructed on top of the handle, so it is attached after
// construction.
func (handle *Handle) SetScanControl(sc *scan.Controller) {
	handle.scanControl = sc
}

// Send enqueues one command line for transmission to the rig. Dropped when no
// connection is active.
func (handle *Handle) Send(cmd string) {
	handle.broker.TryPub(cmd, topicTx)
}

// Frames returns a subscription to decoded line/point frames. Release it with
// Unsub.
func (handle *Handle) Frames() chan interface{} {
	return handle.broker.Sub(topicFrames)
}

// Status returns a subscription to OK/ERR status frames.
func (handle *Handle) Status() chan interface{} {
	return handle.broker.Sub(topicStatus)
}

func (handle *Handle) Unsub(ch chan interface{}) {
	handle.broker.Unsub(ch)
}

// ConnectTCP connects to a network-attached rig, retrying with backoff until
// cancelled.
func (handle *Handle) ConnectTCP(address string) {
	handle.connect(address, func(ctx context.Context) {
		go connectTCP(ctx, handle.log.WithField("transport", "tcp"), address, handle.broker.Sub(topicTx), handle.publish)
	})
}

// ConnectSerial connects to a rig on a local serial port.
func (handle *Handle) ConnectSerial(portName string, baud int) {
	handle.connect(portName, func(ctx context.Context) {
		go connectSerial(ctx, handle.log.WithField("transport", "serial"), portName, baud, handle.broker.Sub(topicTx), handle.publish)
	})
}

// ConnectSim starts an in-process simulated rig and connects to it. The
// simulator sits behind the same transport seam as real hardware rather than
// being a parallel code path.
func (handle *Handle) ConnectSim() {
	handle.connect("sim", func(ctx context.Context) {
		go connectSim(ctx, handle.log.WithField("transport", "sim"), handle.broker.Sub(topicTx), handle.publish)
	})
}

func (handle *Handle) connect(address string, start func(context.Context)) {
	// Only allow one connection change at a time
	handle.connectionChangeMutex.Lock()
	defer handle.connectionChangeMutex.Unlock()

	// disconnect current connection first
	handle.Disconnect()

	handle.Address = &address

	// Child context so an individual connection can be cancelled without
	// restarting the whole handler
	ctx, cancel := context.WithCancel(handle.ctx)

	handle.log.WithField("address", address).Info("Attempting to connect with rig.")

	start(ctx)

	handle.cancelCurrentConnection = cancel
}

// Disconnect from the current connection.
func (handle *Handle) Disconnect() {
	if handle.cancelCurrentConnection != nil {
		handle.log.Info("Disconnecting from rig.")
		handle.cancelCurrentConnection()
		handle.cancelCurrentConnection = nil
		handle.Address = nil
	}
}

func (handle *Handle) publish(msg interface{}, topic string) {
	handle.broker.TryPub(msg, topic)
}
