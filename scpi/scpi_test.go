package scpi_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/scpi"
	"github.com/nasa-jpl/scopebench/scpi/scpitest"
)

func TestReadFloat(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(map[string]string{
		":TIMebase:SCALe?": "+1.00000000E-03",
	}))
	s := inst.SCPI()
	f, err := s.ReadFloat(":TIMebase:SCALe?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 1e-3 {
		t.Errorf("expected 1e-3, got %v", f)
	}
}

func TestReadBool(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(map[string]string{
		"A?": "1",
		"B?": "OFF",
	}))
	s := inst.SCPI()
	a, err := s.ReadBool("A?")
	if err != nil || !a {
		t.Errorf("A? gave %v, %v", a, err)
	}
	b, err := s.ReadBool("B?")
	if err != nil || b {
		t.Errorf("B? gave %v, %v", b, err)
	}
}

func TestReadIntAcceptsFloatFormat(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(map[string]string{
		":WAVeform:SEGMented:COUNt?": "+4",
		"COUNT?":                     "+1.00000E+01",
	}))
	s := inst.SCPI()
	n, err := s.ReadInt(":WAVeform:SEGMented:COUNt?")
	if err != nil || n != 4 {
		t.Errorf("expected 4, got %d, %v", n, err)
	}
	n, err = s.ReadInt("COUNT?")
	if err != nil || n != 10 {
		t.Errorf("expected 10, got %d, %v", n, err)
	}
}

func TestWriteSendsJoinedCommands(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(nil))
	s := inst.SCPI()
	if err := s.Write(":CHANnel1:SCALe 0.5", ":CHANnel1:OFFSet 0"); err != nil {
		t.Fatal(err)
	}
	// the write is fire and forget, synchronize with a query
	inst.SetHandler(scpitest.Table(map[string]string{"*OPC?": "1"}))
	if _, err := s.ReadString("*OPC?"); err != nil {
		t.Fatal(err)
	}
	got := inst.Received()[0]
	if got != ":CHANnel1:SCALe 0.5;:CHANnel1:OFFSet 0" {
		t.Errorf("device received %q", got)
	}
}

func TestHandshakingReportsDeviceError(t *testing.T) {
	inst := scpitest.New(t, func(msg string) []byte {
		if strings.Contains(msg, "BOGUS") {
			return []byte("-113,\"Undefined header\"\n")
		}
		return []byte("+0,\"No error\"\n")
	})
	s := inst.SCPI()
	s.Handshaking = true
	if err := s.Write(":TIMebase:SCALe 1E-3"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	err := s.Write(":BOGUS 1")
	var de scpi.DeviceError
	if !errors.As(err, &de) || de.Code != -113 {
		t.Errorf("expected device error -113, got %v", err)
	}
	rx := inst.Received()
	if rx[0] != "*CLS;:TIMebase:SCALe 1E-3;:SYSTem:ERRor?" {
		t.Errorf("handshake message was %q", rx[0])
	}
}

func TestHandshakingQueryStripsErrorField(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(map[string]string{
		"*CLS;:CHANnel1:SCALe?;:SYSTem:ERRor?": "+5.0E-01;+0,\"No error\"",
	}))
	s := inst.SCPI()
	s.Handshaking = true
	f, err := s.ReadFloat(":CHANnel1:SCALe?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 0.5 {
		t.Errorf("expected 0.5, got %v", f)
	}
}

func TestReadBlock(t *testing.T) {
	payload := []byte("\x89PNG\n\x00binary\ndata")
	inst := scpitest.New(t, func(msg string) []byte {
		header := fmt.Sprintf("#8%08d", len(payload))
		return append(append([]byte(header), payload...), '\n')
	})
	s := inst.SCPI()
	got, err := s.ReadBlock(":DISPlay:DATA? PNG, COLOR")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %q, got %q", payload, got)
	}
	// the connection must be usable afterwards
	inst.SetHandler(scpitest.Table(map[string]string{"*IDN?": "KEYSIGHT"}))
	idn, err := s.ReadString("*IDN?")
	if err != nil || idn != "KEYSIGHT" {
		t.Errorf("follow up query gave %q, %v", idn, err)
	}
}

func TestReadBlockRejectsGarbage(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(map[string]string{"X?": "nope"}))
	s := inst.SCPI()
	_, err := s.ReadBlock("X?")
	if !errors.Is(err, scpi.ErrBadBlock) {
		t.Errorf("expected ErrBadBlock, got %v", err)
	}
}

func TestReadBlockRejectsBadLength(t *testing.T) {
	for _, header := range []string{"#2-1", "#2+5", "#21x", "#9999999999"} {
		inst := scpitest.New(t, func(msg string) []byte {
			return []byte(header + "\n")
		})
		s := inst.SCPI()
		_, err := s.ReadBlock(":WAVeform:DATA?")
		if !errors.Is(err, scpi.ErrBadBlock) {
			t.Errorf("%s: expected ErrBadBlock, got %v", header, err)
		}
		if s.Pool.Size() != 0 {
			t.Errorf("%s: expected the connection to be destroyed, pool size %d", header, s.Pool.Size())
		}
	}
}

func TestTimeoutDestroysConnection(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(nil))
	s := inst.SCPI()
	s.Timeout = 50 * time.Millisecond
	if _, err := s.ReadString("NOANSWER?"); err == nil {
		t.Fatal("expected a timeout")
	}
	if s.Pool.Size() != 0 {
		t.Errorf("expected the timed out connection to be destroyed, pool size %d", s.Pool.Size())
	}
}

func TestAllErrorsDrainsQueue(t *testing.T) {
	queue := []string{"-113,\"Undefined header\"", "-222,\"Data out of range\"", "+0,\"No error\""}
	inst := scpitest.New(t, func(msg string) []byte {
		head := queue[0]
		if len(queue) > 1 {
			queue = queue[1:]
		}
		return []byte(head + "\n")
	})
	s := inst.SCPI()
	str, err := s.AllErrorsString()
	if err == nil {
		t.Fatal("expected the first error to be returned")
	}
	if strings.Count(str, "\n") != 1 {
		t.Errorf("expected two errors, got %q", str)
	}
}

func TestParseError(t *testing.T) {
	if err := scpi.ParseError("+0,\"No error\""); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	err := scpi.ParseError("-410,\"Query INTERRUPTED\"")
	de, ok := err.(scpi.DeviceError)
	if !ok || de.Code != -410 || de.Msg != "Query INTERRUPTED" {
		t.Errorf("parsed %#v", err)
	}
}
