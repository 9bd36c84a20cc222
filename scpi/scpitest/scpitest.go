// Package scpitest provides a scripted SCPI instrument listening on
// loopback TCP, for testing drivers without hardware
package scpitest

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/scopebench/comm"
	"github.com/nasa-jpl/scopebench/scpi"
)

// Handler answers one newline-terminated message.  A nil return sends
// nothing back, which is what an instrument does for a command
type Handler func(msg string) []byte

// Instrument is a fake instrument
type Instrument struct {
	Addr string

	mu      sync.Mutex
	handler Handler
	log     []string
}

// New starts an instrument which answers with h, closed at test cleanup
func New(t testing.TB, h Handler) *Instrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	inst := &Instrument{Addr: ln.Addr().String(), handler: h}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go inst.serve(conn)
		}
	}()
	return inst
}

func (i *Instrument) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		i.mu.Lock()
		i.log = append(i.log, line)
		h := i.handler
		i.mu.Unlock()
		if resp := h(line); resp != nil {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}
}

// SetHandler replaces the handler
func (i *Instrument) SetHandler(h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = h
}

// Received returns a copy of every message received so far
func (i *Instrument) Received() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.log))
	copy(out, i.log)
	return out
}

// SCPI returns a session to the instrument with a single connection
func (i *Instrument) SCPI() *scpi.SCPI {
	pool := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker(i.Addr, time.Second))
	return &scpi.SCPI{Pool: pool, Timeout: time.Second}
}

// Table builds a Handler from exact message to response.  Responses get a
// newline appended; messages not in the table are treated as commands
func Table(responses map[string]string) Handler {
	return func(msg string) []byte {
		if resp, ok := responses[msg]; ok {
			return []byte(resp + "\n")
		}
		return nil
	}
}
