package comm_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/afsc-mace/trawlcam/comm"
)

// lineEchoServer accepts one connection and echoes lines back.
func lineEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		rdr := bufio.NewReader(conn)
		for {
			line, err := rdr.ReadString('\n')
			if err != nil {
				return
			}
			conn.Write([]byte(line))
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvRoundTrip(t *testing.T) {
	addr := lineEchoServer(t)
	ld := comm.NewTCP(addr)
	if err := ld.Open(); err != nil {
		t.Fatal("open:", err)
	}
	defer ld.Close()

	if err := ld.Send("getState"); err != nil {
		t.Fatal("send:", err)
	}
	got, err := ld.Recv()
	if err != nil {
		t.Fatal("recv:", err)
	}
	if got != "getState" {
		t.Errorf("round trip got %q", got)
	}
}

func TestRecvStripsCR(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("getState,2\r\n"))
	}()

	ld := comm.NewTCP(ln.Addr().String())
	if err := ld.Open(); err != nil {
		t.Fatal("open:", err)
	}
	defer ld.Close()
	got, err := ld.Recv()
	if err != nil {
		t.Fatal("recv:", err)
	}
	if got != "getState,2" {
		t.Errorf("got %q", got)
	}
}

func TestNotConnected(t *testing.T) {
	ld := comm.NewTCP("127.0.0.1:1")
	if err := ld.Send("x"); err != comm.ErrNotConnected {
		t.Errorf("send: expected ErrNotConnected, got %v", err)
	}
	if _, err := ld.Recv(); err != comm.ErrNotConnected {
		t.Errorf("recv: expected ErrNotConnected, got %v", err)
	}
}

func TestOpenRefusedFailsFast(t *testing.T) {
	// grab a port and close it so connects are refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ld := comm.NewTCP(addr)
	start := time.Now()
	err = ld.Open()
	if err == nil {
		ld.Close()
		t.Fatal("expected open to fail")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "refused") {
		t.Logf("non-refused error (platform dependent): %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("open took too long to fail")
	}
}
