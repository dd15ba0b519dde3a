package rig

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
)

// fakeHardware reports the current X code back through the ADC so tests can
// verify sweep order, and can be told to fail.
type fakeHardware struct {
	dac     map[int]uint16
	dacLog  []string
	adcErr  error
	dacErr  error
	samples int
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{dac: make(map[int]uint16)}
}

func (f *fakeHardware) SetDAC(channel int, code uint16) error {
	if f.dacErr != nil {
		return f.dacErr
	}
	f.dac[channel] = code
	f.dacLog = append(f.dacLog, fmt.Sprintf("ch%d=%d", channel, code))
	return nil
}

func (f *fakeHardware) ReadADC() (uint16, error) {
	if f.adcErr != nil {
		return 0, f.adcErr
	}
	f.samples++
	return f.dac[ChannelX], nil
}

func newTestDispatcher() (*Dispatcher, *fakeHardware) {
	hw := newFakeHardware()
	return NewDispatcher(hw, Timing{}, nil), hw
}

func TestLinCode(t *testing.T) {
	for _, n := range []int{2, 3, 128, 4096} {
		if LinCode(0, n) != 0 {
			t.Errorf("LinCode(0,%d) = %d, want 0", n, LinCode(0, n))
		}
		if LinCode(n-1, n) != 65535 {
			t.Errorf("LinCode(%d,%d) = %d, want 65535", n-1, n, LinCode(n-1, n))
		}
		prev := uint16(0)
		for pos := 0; pos < n; pos++ {
			code := LinCode(pos, n)
			if code < prev {
				t.Fatalf("LinCode not monotonic at pos=%d n=%d", pos, n)
			}
			prev = code
		}
	}

	// degenerate frame sizes map everything to 0
	if LinCode(0, 1) != 0 || LinCode(5, 0) != 0 {
		t.Error("degenerate N must map to 0")
	}
}

func TestStartValidation(t *testing.T) {
	cases := []struct {
		cmd     string
		errCode string
	}{
		{"START", "CODE=10"},
		{"START N=1", "CODE=11"},
		{"START N=5000", "CODE=11"},
		{"START N=2", ""},
		{"START N=4096", ""},
	}

	for _, c := range cases {
		d, _ := newTestDispatcher()
		reply := d.Dispatch(c.cmd)
		if len(reply) != 1 {
			t.Fatalf("%q: expected single reply line, got %v", c.cmd, reply)
		}
		if c.errCode == "" {
			if !strings.HasPrefix(reply[0], "OK") {
				t.Errorf("%q: expected OK, got %q", c.cmd, reply[0])
			}
		} else if !strings.Contains(reply[0], c.errCode) {
			t.Errorf("%q: expected %s, got %q", c.cmd, c.errCode, reply[0])
		}
	}
}

func TestStartResetsSession(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Dispatch("LINE N=8 IDX=3")
	d.Dispatch("START N=16")

	s := d.Session()
	if s.FrameN != 16 || s.LineIdx != 0 || s.Dir != 1 {
		t.Errorf("session not reset: %+v", s)
	}
}

func TestLineValidation(t *testing.T) {
	cases := []struct {
		cmd     string
		errCode string
	}{
		{"LINE N=8", "CODE=30"},
		{"LINE IDX=0", "CODE=30"},
		{"LINE N=1 IDX=0", "CODE=31"},
		{"LINE N=5000 IDX=0", "CODE=31"},
		{"LINE N=8 IDX=-1", "CODE=32"},
		{"LINE N=8 IDX=8", "CODE=32"},
	}

	for _, c := range cases {
		d, _ := newTestDispatcher()
		reply := d.Dispatch(c.cmd)
		if len(reply) != 1 || !strings.Contains(reply[0], c.errCode) {
			t.Errorf("%q: expected %s, got %v", c.cmd, c.errCode, reply)
		}
	}
}

func TestLineDirectionParity(t *testing.T) {
	d, _ := newTestDispatcher()
	for _, c := range []struct {
		idx int
		dir string
	}{
		{0, "DIR=+1"}, {1, "DIR=-1"}, {2, "DIR=+1"}, {7, "DIR=-1"},
	} {
		reply := d.Dispatch(fmt.Sprintf("LINE N=8 IDX=%d", c.idx))
		if len(reply) != 2 {
			t.Fatalf("IDX=%d: expected header and payload, got %v", c.idx, reply)
		}
		if !strings.Contains(reply[0], c.dir) {
			t.Errorf("IDX=%d: header %q, want %s", c.idx, reply[0], c.dir)
		}
	}
}

func TestLineSweep(t *testing.T) {
	d, hw := newTestDispatcher()

	reply := d.Dispatch("LINE N=4 IDX=1")
	if len(reply) != 2 {
		t.Fatalf("expected header and payload, got %v", reply)
	}
	if reply[0] != "LINE OK N=4 IDX=1 DIR=-1" {
		t.Errorf("header = %q", reply[0])
	}

	samples, ok := protocol.ParseCSVFloats([]byte(reply[1]), 4)
	if !ok || len(samples) != 4 {
		t.Fatalf("bad payload %q", reply[1])
	}

	// odd row sweeps backwards, so acquisition starts at the high X end: the
	// fake ADC echoes the X code, so samples must be strictly decreasing
	for i := 1; i < len(samples); i++ {
		if samples[i] >= samples[i-1] {
			t.Fatalf("payload not in acquisition order: %v", samples)
		}
	}

	// Y must be positioned for the row, bias re-asserted before the sweep
	if hw.dac[ChannelY] != LinCode(1, 4) {
		t.Errorf("Y code = %d, want %d", hw.dac[ChannelY], LinCode(1, 4))
	}
	if hw.dac[ChannelBias] != defaultBiasCode {
		t.Errorf("bias code = %d, want %d", hw.dac[ChannelBias], defaultBiasCode)
	}
}

func TestPoint(t *testing.T) {
	d, hw := newTestDispatcher()

	reply := d.Dispatch("POINT")
	if len(reply) != 2 || reply[0] != "POINT OK COUNT=200" {
		t.Fatalf("default POINT reply: %v", reply[:1])
	}
	if hw.samples != 200 {
		t.Errorf("sampled %d times, want 200", hw.samples)
	}

	// clamping
	reply = d.Dispatch("POINT COUNT=0")
	if reply[0] != "POINT OK COUNT=1" {
		t.Errorf("low clamp: %q", reply[0])
	}
	reply = d.Dispatch("POINT COUNT=100000")
	if reply[0] != "POINT OK COUNT=4096" {
		t.Errorf("high clamp: %q", reply[0])
	}
}

func TestBias(t *testing.T) {
	d, hw := newTestDispatcher()

	if reply := d.Dispatch("BIAS"); !strings.Contains(reply[0], "CODE=20") {
		t.Errorf("missing CODE: %v", reply)
	}
	if reply := d.Dispatch("BIAS CODE=abc"); !strings.Contains(reply[0], "CODE=21") {
		t.Errorf("invalid CODE: %v", reply)
	}

	reply := d.Dispatch("BIAS CODE=30000")
	if reply[0] != `OK MSG="bias-set"` {
		t.Fatalf("BIAS reply: %v", reply)
	}
	if hw.dac[ChannelBias] != 30000 {
		t.Errorf("bias output = %d, want 30000", hw.dac[ChannelBias])
	}
	if d.Session().BiasCode != 30000 {
		t.Errorf("sticky code = %d, want 30000", d.Session().BiasCode)
	}
}

func TestStatusDoesNotMutate(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Dispatch("LINE N=8 IDX=3")
	before := d.Session()

	reply := d.Dispatch("STATUS")
	if len(reply) != 1 || !strings.HasPrefix(reply[0], `OK MSG="ready"`) {
		t.Fatalf("STATUS reply: %v", reply)
	}
	if !strings.Contains(reply[0], "N=8") || !strings.Contains(reply[0], "IDX=3") {
		t.Errorf("STATUS fields: %q", reply[0])
	}

	if d.Session() != before {
		t.Errorf("STATUS mutated session: %+v -> %+v", before, d.Session())
	}
}

func TestUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher()
	reply := d.Dispatch("FROBNICATE X=1")
	if len(reply) != 1 || !strings.Contains(reply[0], "CODE=1 ") {
		t.Errorf("unknown verb: %v", reply)
	}
}

func TestFaultKeepsSessionLive(t *testing.T) {
	d, hw := newTestDispatcher()

	hw.adcErr = errors.New("adc timeout")
	reply := d.Dispatch("LINE N=4 IDX=0")
	if len(reply) != 1 || !strings.Contains(reply[0], "CODE=99") {
		t.Fatalf("expected ERR CODE=99, got %v", reply)
	}

	// non-integer N takes the same fault path
	reply = d.Dispatch("START N=banana")
	if !strings.Contains(reply[0], "CODE=99") {
		t.Errorf("expected fault for non-integer N, got %v", reply)
	}

	// the rig recovers once the fault clears
	hw.adcErr = nil
	reply = d.Dispatch("LINE N=4 IDX=0")
	if len(reply) != 2 || !strings.HasPrefix(reply[0], "LINE OK") {
		t.Fatalf("session not usable after fault: %v", reply)
	}
}

func TestZigZagScenario(t *testing.T) {
	d, _ := newTestDispatcher()

	if reply := d.Dispatch("START N=4"); reply[0] != `OK MSG="start-ready"` {
		t.Fatalf("START: %v", reply)
	}
	for idx, dir := range map[int]string{0: "DIR=+1", 1: "DIR=-1", 3: "DIR=-1"} {
		reply := d.Dispatch(fmt.Sprintf("LINE N=4 IDX=%d", idx))
		if !strings.Contains(reply[0], dir) {
			t.Errorf("IDX=%d: got %q, want %s", idx, reply[0], dir)
		}
	}
	// the host stops after IDX=3; IDX=4 would be rejected anyway
	if reply := d.Dispatch("LINE N=4 IDX=4"); !strings.Contains(reply[0], "CODE=32") {
		t.Errorf("IDX=N must be out of range: %v", reply)
	}
}
