package mockrig

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func TestShutdownClosesActiveSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	m, err := Start(ctx, "127.0.0.1:0", false)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", m.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if greeting != "OK MSG=\"rig-ready\"\n" {
		t.Fatalf("greeting = %q", greeting)
	}

	// cancellation must tear down the in-progress session, not only the
	// listener
	cancel()

	done := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := reader.ReadString('\n')
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected closed connection, read succeeded")
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Fatal("session still alive after shutdown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("read did not return")
	}
}
