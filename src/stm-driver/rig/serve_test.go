package rig

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServe(t *testing.T) {
	hostSide, rigSide := net.Pipe()
	defer hostSide.Close()

	d, _ := newTestDispatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.Serve(ctx, rigSide)
	}()

	scanner := bufio.NewScanner(hostSide)
	readLine := func() string {
		t.Helper()
		if !scanner.Scan() {
			t.Fatalf("link closed early: %v", scanner.Err())
		}
		return scanner.Text()
	}

	if got := readLine(); got != `OK MSG="rig-ready"` {
		t.Fatalf("greeting = %q", got)
	}

	if _, err := hostSide.Write([]byte("STATUS\n")); err != nil {
		t.Fatal(err)
	}
	if got := readLine(); !strings.HasPrefix(got, `OK MSG="ready"`) {
		t.Fatalf("STATUS reply = %q", got)
	}

	// a garbage line must not kill the loop
	if _, err := hostSide.Write([]byte("\xff\xfe garbage\nLINE N=4 IDX=2\n")); err != nil {
		t.Fatal(err)
	}
	var header string
	for {
		header = readLine()
		if strings.HasPrefix(header, "LINE OK") || strings.HasPrefix(header, "ERR CODE=99") {
			break
		}
	}
	if header != "LINE OK N=4 IDX=2 DIR=+1" {
		t.Fatalf("header = %q", header)
	}
	payload := readLine()
	if len(strings.Split(payload, ",")) != 4 {
		t.Fatalf("payload = %q", payload)
	}

	rigSide.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after link close")
	}
}
