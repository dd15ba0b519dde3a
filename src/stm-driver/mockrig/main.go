// Package mockrig serves the rig protocol over TCP, backed by simulated
// hardware. It backs the driver's sim mode and the `simulate` subcommand, and
// doubles as the test double for anything that needs a live rig.
package mockrig

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/attolab/stm-driver/src/stm-driver/rig"
)

// ServiceType announced over mDNS for network-attached rigs.
const ServiceType = "_stmControl._tcp"

type MockRig struct {
	listener net.Listener
	mdns     *zeroconf.Server

	mu     sync.Mutex
	active net.Conn
}

// Start listens on address (e.g. "127.0.0.1:0") and serves one rig session
// at a time until the context is cancelled. When announce is set the rig
// registers itself over mDNS so discovery finds it.
func Start(ctx context.Context, address string, announce bool) (*MockRig, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	m := &MockRig{listener: listener}

	if announce {
		port := listener.Addr().(*net.TCPAddr).Port
		server, err := zeroconf.Register("STM Rig Simulator", ServiceType, "local.", port, []string{"ser_no=SIM-0001"}, nil)
		if err != nil {
			log.Println("mock rig: mDNS registration failed:", err)
		} else {
			m.mdns = server
		}
	}

	go func() {
		<-ctx.Done()
		m.shutdown()
	}()

	go m.acceptLoop(ctx)

	return m, nil
}

// Addr returns the address the mock rig is listening on.
func (m *MockRig) Addr() string {
	return m.listener.Addr().String()
}

func (m *MockRig) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		log.Println("mock rig: new connection from", conn.RemoteAddr())

		// one GUI, one rig: sessions are handled strictly in turn
		m.setActive(conn)
		m.handle(ctx, conn)
		m.setActive(nil)
		conn.Close()
		log.Println("mock rig: connection closed")
	}
}

func (m *MockRig) handle(ctx context.Context, conn net.Conn) {
	hw := rig.NewSimHardware(time.Now().UnixNano())
	dispatcher := rig.NewDispatcher(hw, rig.Timing{}, nil)

	stepper := rig.NewStepper(&rig.SimMotor{}, nil)
	stepperCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go stepper.Run(stepperCtx)
	dispatcher.AttachStepper(stepper)

	if err := dispatcher.Serve(ctx, conn); err != nil && ctx.Err() == nil {
		log.Println("mock rig: session ended:", err)
	}
}

func (m *MockRig) setActive(conn net.Conn) {
	m.mu.Lock()
	m.active = conn
	m.mu.Unlock()
}

func (m *MockRig) shutdown() {
	if m.mdns != nil {
		m.mdns.Shutdown()
	}
	m.listener.Close()

	// unblock a session stuck in a read; Serve then returns
	m.mu.Lock()
	if m.active != nil {
		m.active.Close()
	}
	m.mu.Unlock()
}
