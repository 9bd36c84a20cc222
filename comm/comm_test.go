package comm_test

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/nasa-jpl/scopebench/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func echoPool(t *testing.T, size int, timeout time.Duration) *comm.Pool {
	addr := tcpEchoServer(t)
	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	pool := comm.NewPool(size, timeout, maker)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPoolFillsToCapacity(t *testing.T) {
	pool := echoPool(t, 3, time.Second)
	for i := 0; i < 3; i++ {
		_, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 {
		t.Errorf("expected 3 active connections, got %d", pool.Active())
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	pool := echoPool(t, 3, time.Second)
	first, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(first)
	second, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the returned connection to be handed out again")
	}
	pool.Put(second)
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolReleasesIdleConnections(t *testing.T) {
	pool := echoPool(t, 3, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		pool.Put(conn)
	}
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connections to be reclaimed, pool size is %d", pool.Size())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	pool := echoPool(t, 2, time.Second)
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal(err)
		}
	}
	newConn := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolDestroyFreesSlot(t *testing.T) {
	pool := echoPool(t, 1, time.Second)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, errors.New("bad"))
	if pool.Active() != 0 {
		t.Errorf("expected no active connections after destroy, got %d", pool.Active())
	}
	if _, err := pool.Get(); err != nil {
		t.Fatal("expected a fresh connection after destroy:", err)
	}
}

func TestPoolMakerErrorReleasesSlot(t *testing.T) {
	calls := 0
	pool := comm.NewPool(1, time.Second, func() (io.ReadWriteCloser, error) {
		calls++
		return nil, errors.New("no device")
	})
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(); err == nil {
			t.Fatal("expected maker error")
		}
	}
	if calls != 2 {
		t.Errorf("expected the maker to be called twice, got %d", calls)
	}
}

func TestTerminatorRoundTrip(t *testing.T) {
	pool := echoPool(t, 1, time.Second)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(conn)
	term := comm.NewTerminator(conn, '\n', '\n')
	if _, err := term.Write([]byte("*IDN?")); err != nil {
		t.Fatal(err)
	}
	line, err := term.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "*IDN?" {
		t.Errorf("expected echo of *IDN?, got %q", line)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{os.ErrDeadlineExceeded, true},
		{&net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, true},
	}
	for _, tt := range tests {
		if got := comm.IsTimeout(tt.err); got != tt.want {
			t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
