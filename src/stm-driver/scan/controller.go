// Package scan implements the host-side raster sequencing policy: it
// consumes decoded frames, maintains the topography and rolling time-series
// buffers, and requests the next line until the frame is complete.
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
	"github.com/attolab/stm-driver/src/stm-driver/rig"
)

// tickInterval paces the consumer; the renderer only needs the freshest
// state, not a replay of every frame.
const tickInterval = 30 * time.Millisecond

// idlePointInterval paces POINT burst requests while no scan is running.
const idlePointInterval = 150 * time.Millisecond

const (
	defaultSeriesDepth = 10000
	idlePointCount     = 200
)

const renderTopic = "render"

// Rig is the slice of the connection handle the controller drives.
type Rig interface {
	Send(cmd string)
	Frames() chan interface{}
	Unsub(ch chan interface{})
}

// Render events published to display consumers. Slices are copies; consumers
// may retain them.

// RowUpdate carries one freshly scanned topography row.
type RowUpdate struct {
	Idx      int
	Row      []float64
	Progress float64
}

// SeriesUpdate carries the tail of the rolling time-series buffer.
type SeriesUpdate struct {
	Series []float64
	Std    float64
}

// StateUpdate reports scan state transitions.
type StateUpdate struct {
	Scanning bool
	Size     int
	Progress float64
}

// Controller runs the scan-sequencing policy. All scan state is owned by the
// controller goroutine; external calls are marshalled onto it through an ops
// channel, so no lock guards the buffers.
type Controller struct {
	rig    Rig
	log    *logrus.Entry
	broker *pubsub.PubSub
	ops    chan func()

	// state below is touched only from the Run goroutine
	size        int
	biasCode    uint16
	scanning    bool
	lineIdx     int
	progress    float64
	topo        *Topography
	series      *RollingBuffer
	seriesTail  int
	lastPointAt time.Time

	// mirror of the fields external readers need, guarded separately
	stateMu sync.Mutex
	state   StateUpdate
}

// New returns a controller with the given default frame size and sticky bias
// code.
func New(rig Rig, size int, biasCode uint16, log *logrus.Entry) *Controller {
	c := &Controller{
		rig:        rig,
		log:        log,
		broker:     pubsub.New(8),
		ops:        make(chan func(), 16),
		size:       size,
		biasCode:   biasCode,
		series:     NewRollingBuffer(defaultSeriesDepth),
		seriesTail: 2000,
		topo:       NewTopography(size),
	}
	c.state = StateUpdate{Size: size}
	return c
}

// SubscribeRender returns a subscription to render events. Release with
// UnsubRender.
func (c *Controller) SubscribeRender() chan interface{} {
	return c.broker.Sub(renderTopic)
}

func (c *Controller) UnsubRender(ch chan interface{}) {
	c.broker.Unsub(ch)
}

// StartScan resets all buffers and kicks off a new raster at the given frame
// size, remembering biasCode as the new sticky value. Sizes the rig would
// reject with an ERR are ignored here; the previous size stays in effect.
func (c *Controller) StartScan(size int, biasCode uint16) {
	c.do(func() {
		if size >= rig.MinFrameN && size <= rig.MaxFrameN {
			c.size = size
		}
		c.biasCode = biasCode
		c.startScan()
	})
}

// StopScan transitions to idle. No further line requests are issued; a reply
// still in flight is rendered but does not re-arm the sequence.
func (c *Controller) StopScan() {
	c.do(func() { c.stop() })
}

// SetBias updates the sticky bias code and pushes it to the rig immediately.
func (c *Controller) SetBias(code uint16) {
	c.do(func() {
		c.biasCode = code
		c.rig.Send(protocol.EncodeBias(int(code)))
	})
}

// Step forwards a coarse-approach stepper request.
func (c *Controller) Step(up bool, count int) {
	c.do(func() { c.rig.Send(protocol.EncodeStep(up, count)) })
}

// State returns the latest externally visible scan state.
func (c *Controller) State() StateUpdate {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Run drives the controller until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	frames := c.rig.Frames()
	defer c.rig.Unsub(frames)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.broker.Shutdown()
			return
		case op := <-c.ops:
			op()
		case <-ticker.C:
			c.tick(frames)
		}
	}
}

func (c *Controller) do(op func()) {
	select {
	case c.ops <- op:
	default:
		if c.log != nil {
			c.log.Warn("Controller busy, dropping request.")
		}
	}
}

// tick drains the frame queue completely, keeping only the last line frame
// and the last point frame; superseded frames of the same kind are dropped.
func (c *Controller) tick(frames chan interface{}) {
	var lastLine *protocol.LineFrame
	var lastPoint *protocol.PointFrame

drain:
	for {
		select {
		case i := <-frames:
			switch f := i.(type) {
			case protocol.LineFrame:
				frame := f
				lastLine = &frame
			case protocol.PointFrame:
				frame := f
				lastPoint = &frame
			}
		default:
			break drain
		}
	}

	switch {
	case lastLine != nil:
		c.handleLine(*lastLine)
	case lastPoint != nil && !c.scanning:
		// idle stability monitoring
		c.series.Append(lastPoint.Samples)
		c.publishSeries()
	}

	// fall back to idle point sampling between scans
	if !c.scanning && time.Since(c.lastPointAt) >= idlePointInterval {
		c.rig.Send(protocol.EncodePoint(idlePointCount))
		c.lastPointAt = time.Now()
	}
}

func (c *Controller) handleLine(frame protocol.LineFrame) {
	c.topo.SetRow(frame.Idx, frame.Samples, frame.Dir)
	c.series.Append(frame.Samples)
	c.progress = float64(frame.Idx+1) / float64(c.size)

	c.publishState()
	c.broker.TryPub(RowUpdate{
		Idx:      frame.Idx,
		Row:      c.topo.Row(frame.Idx),
		Progress: c.progress,
	}, renderTopic)
	c.publishSeries()

	if !c.scanning {
		return
	}
	if frame.Idx+1 < c.size {
		c.lineIdx = frame.Idx + 1
		c.rig.Send(protocol.EncodeLine(c.size, c.lineIdx))
	} else {
		// frame complete; never request IDX=N
		c.stop()
	}
}

func (c *Controller) startScan() {
	c.scanning = true
	c.lineIdx = 0
	c.progress = 0
	c.topo = NewTopography(c.size)
	c.series.Reset()

	c.rig.Send(protocol.EncodeStart(c.size))
	c.rig.Send(protocol.EncodeBias(int(c.biasCode)))
	c.rig.Send(protocol.EncodeLine(c.size, 0))

	if c.log != nil {
		c.log.WithField("size", c.size).Info("Scan started.")
	}
	c.publishState()
}

func (c *Controller) stop() {
	if c.scanning && c.log != nil {
		c.log.WithField("progress", c.progress).Info("Scan stopped.")
	}
	c.scanning = false
	c.publishState()
}

func (c *Controller) publishState() {
	state := StateUpdate{Scanning: c.scanning, Size: c.size, Progress: c.progress}

	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()

	c.broker.TryPub(state, renderTopic)
}

func (c *Controller) publishSeries() {
	c.broker.TryPub(SeriesUpdate{
		Series: c.series.Last(c.seriesTail),
		Std:    c.series.Std(),
	}, renderTopic)
}
