// Package rig implements the device-side protocol engine of an STM rig: the
// command state machine that owns the scan session and drives the actuators,
// together with a simulated hardware backend so the same engine can run
// without a physical microscope attached.
package rig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
)

// Frame size limits accepted by START and LINE.
const (
	MinFrameN = 2
	MaxFrameN = 4096
)

// POINT burst limits.
const (
	defaultPointCount = 200
	maxPointCount     = 4096
)

const (
	defaultFrameN   = 128
	defaultBiasCode = 20000
)

// Error codes reported to the peer. Session state is unchanged when any of
// these is emitted.
const (
	errUnknownCommand = 1
	errStartMissingN  = 10
	errStartRange     = 11
	errBiasMissing    = 20
	errBiasInvalid    = 21
	errLineMissing    = 30
	errLineRangeN     = 31
	errLineRangeIdx   = 32
	errStepInvalidDir = 40
	errStepInvalidCnt = 41
	errFault          = 99
)

// Timing holds the settle delays between actuator moves and samples.
type Timing struct {
	// PixelSettle is the pause after repositioning X before sampling.
	PixelSettle time.Duration
	// PointRate is the pause between successive POINT samples.
	PointRate time.Duration
}

// DefaultTiming matches the physical rig's transient decay.
var DefaultTiming = Timing{
	PixelSettle: 150 * time.Microsecond,
	PointRate:   200 * time.Microsecond,
}

// ScanSession is the scan state owned by the dispatcher. START resets it; it
// persists until the next START or a device reset.
type ScanSession struct {
	FrameN   int
	LineIdx  int
	Dir      int
	BiasCode uint16
}

// Dispatcher decodes command lines, mutates the scan session and drives the
// hardware. It is not safe for concurrent use; one rig serves one link.
type Dispatcher struct {
	hw      Hardware
	session ScanSession
	timing  Timing
	stepper *Stepper
	log     *logrus.Entry
}

// NewDispatcher parks the actuators mid-scale, asserts the default bias and
// returns a ready dispatcher.
func NewDispatcher(hw Hardware, timing Timing, log *logrus.Entry) *Dispatcher {
	d := &Dispatcher{
		hw:     hw,
		timing: timing,
		log:    log,
		session: ScanSession{
			FrameN:   defaultFrameN,
			Dir:      1,
			BiasCode: defaultBiasCode,
		},
	}

	hw.SetDAC(ChannelX, dacMidScale)
	hw.SetDAC(ChannelY, dacMidScale)
	hw.SetDAC(ChannelSpare, dacMidScale)
	hw.SetDAC(ChannelBias, d.session.BiasCode)

	return d
}

// AttachStepper wires the coarse-approach stepper controller. The stepper
// shares no scan state with the dispatcher, only the wire surface.
func (d *Dispatcher) AttachStepper(s *Stepper) {
	d.stepper = s
}

// Session returns a copy of the current scan session.
func (d *Dispatcher) Session() ScanSession {
	return d.session
}

// Dispatch executes one command line and returns the reply lines. A fault
// during execution yields a single ERR CODE=99 reply; the session stays live.
func (d *Dispatcher) Dispatch(line string) (reply []string) {
	defer func() {
		if r := recover(); r != nil {
			if d.log != nil {
				d.log.WithField("panic", r).Error("Command handler fault.")
			}
			reply = errReply(errFault, fmt.Sprintf("fault: %v", r))
		}
	}()

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	verb := strings.ToUpper(parts[0])
	kv := protocol.ParseKV(parts[1:])

	switch verb {
	case "START":
		return d.cmdStart(kv)
	case "LINE":
		return d.cmdLine(kv)
	case "POINT":
		return d.cmdPoint(kv)
	case "BIAS":
		return d.cmdBias(kv)
	case "STATUS":
		return d.cmdStatus()
	case "STEP":
		return d.cmdStep(kv)
	case "DFU":
		return d.cmdDfu()
	default:
		return errReply(errUnknownCommand, "unknown command")
	}
}

func (d *Dispatcher) cmdStart(kv map[string]string) []string {
	raw, present := kv["N"]
	if !present {
		return errReply(errStartMissingN, "START requires N")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return faultReply(err)
	}
	if n < MinFrameN || n > MaxFrameN {
		return errReply(errStartRange, "N out of range")
	}

	d.session.FrameN = n
	d.session.LineIdx = 0
	d.session.Dir = 1
	return []string{`OK MSG="start-ready"`}
}

func (d *Dispatcher) cmdLine(kv map[string]string) []string {
	rawN, haveN := kv["N"]
	rawIdx, haveIdx := kv["IDX"]
	if !haveN || !haveIdx {
		return errReply(errLineMissing, "LINE requires N and IDX")
	}
	n, err := strconv.Atoi(rawN)
	if err != nil {
		return faultReply(err)
	}
	idx, err := strconv.Atoi(rawIdx)
	if err != nil {
		return faultReply(err)
	}
	if n < MinFrameN || n > MaxFrameN {
		return errReply(errLineRangeN, "N out of range")
	}
	if idx < 0 || idx >= n {
		return errReply(errLineRangeIdx, "IDX out of range")
	}

	// Adopt the requested frame size; the echo in the reply is how host and
	// rig agree on N. The rig, not the host, chooses the sweep direction:
	// even rows forward, odd rows reverse.
	d.session.FrameN = n
	d.session.LineIdx = idx
	if idx%2 == 0 {
		d.session.Dir = 1
	} else {
		d.session.Dir = -1
	}

	if err := d.hw.SetDAC(ChannelY, LinCode(idx, n)); err != nil {
		return faultReply(err)
	}
	// bias is sticky; re-assert it ahead of every sweep
	if err := d.hw.SetDAC(ChannelBias, d.session.BiasCode); err != nil {
		return faultReply(err)
	}

	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		pos := i
		if d.session.Dir < 0 {
			pos = n - 1 - i
		}
		if err := d.hw.SetDAC(ChannelX, LinCode(pos, n)); err != nil {
			return faultReply(err)
		}
		d.sleep(d.timing.PixelSettle)
		code, err := d.hw.ReadADC()
		if err != nil {
			return faultReply(err)
		}
		samples = append(samples, heightFromADC(code))
	}

	return []string{
		fmt.Sprintf("LINE OK N=%d IDX=%d DIR=%+d", n, idx, d.session.Dir),
		protocol.FormatCSVFloats(samples),
	}
}

func (d *Dispatcher) cmdPoint(kv map[string]string) []string {
	count := defaultPointCount
	if raw, present := kv["COUNT"]; present {
		var err error
		count, err = strconv.Atoi(raw)
		if err != nil {
			return faultReply(err)
		}
	}
	if count < 1 {
		count = 1
	}
	if count > maxPointCount {
		count = maxPointCount
	}

	samples := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		d.sleep(d.timing.PointRate)
		code, err := d.hw.ReadADC()
		if err != nil {
			return faultReply(err)
		}
		samples = append(samples, heightFromADC(code))
	}

	return []string{
		fmt.Sprintf("POINT OK COUNT=%d", count),
		protocol.FormatCSVFloats(samples),
	}
}

func (d *Dispatcher) cmdBias(kv map[string]string) []string {
	raw, present := kv["CODE"]
	if !present {
		return errReply(errBiasMissing, "BIAS requires CODE")
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return errReply(errBiasInvalid, "BIAS CODE invalid")
	}

	d.session.BiasCode = uint16(code & 0xFFFF)
	if err := d.hw.SetDAC(ChannelBias, d.session.BiasCode); err != nil {
		return faultReply(err)
	}
	return []string{`OK MSG="bias-set"`}
}

func (d *Dispatcher) cmdStatus() []string {
	s := d.session
	return []string{fmt.Sprintf(
		`OK MSG="ready" N=%d IDX=%d DIR=%+d BIAS_CODE=%d`,
		s.FrameN, s.LineIdx, s.Dir, s.BiasCode,
	)}
}

func (d *Dispatcher) cmdStep(kv map[string]string) []string {
	if d.stepper == nil {
		return errReply(errFault, "no stepper attached")
	}

	var up bool
	switch strings.ToUpper(kv["DIR"]) {
	case "UP":
		up = true
	case "DOWN":
		up = false
	default:
		return errReply(errStepInvalidDir, "STEP requires DIR=UP|DOWN")
	}

	count := 1
	if raw, present := kv["COUNT"]; present {
		var err error
		count, err = strconv.Atoi(raw)
		if err != nil || count < 1 {
			return errReply(errStepInvalidCnt, "STEP COUNT invalid")
		}
	}

	d.stepper.Offer(StepEvent{Up: up, Count: count})
	return []string{`OK MSG="step-queued"`}
}

// cmdDfu acknowledges a reboot-to-bootloader request. The physical rig drops
// the link and exposes its TFTP loader after this; the simulator only acks.
func (d *Dispatcher) cmdDfu() []string {
	return []string{`OK MSG="dfu-reboot"`}
}

func (d *Dispatcher) sleep(duration time.Duration) {
	if duration > 0 {
		time.Sleep(duration)
	}
}

func errReply(code int, msg string) []string {
	return []string{fmt.Sprintf(`ERR CODE=%d MSG="%s"`, code, msg)}
}

func faultReply(err error) []string {
	return errReply(errFault, fmt.Sprintf("fault: %v", err))
}
