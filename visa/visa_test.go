package visa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestParseResource(t *testing.T) {
	tests := []struct {
		in   string
		want Resource
	}{
		{"USB0::0x0957::0x1780::MY55310270::0::INSTR",
			Resource{Interface: USB, Vendor: 0x0957, Product: 0x1780, Serial: "MY55310270"}},
		{"USB0::0x0957::0x1780::INSTR",
			Resource{Interface: USB, Vendor: 0x0957, Product: 0x1780}},
		{"TCPIP0::192.168.1.10::5025::SOCKET",
			Resource{Interface: TCPIP, Host: "192.168.1.10", Port: 5025}},
		{"TCPIP0::scope.local::inst0::INSTR",
			Resource{Interface: TCPIP, Host: "scope.local", Port: SocketPort}},
		{"TCPIP::10.0.0.2::INSTR",
			Resource{Interface: TCPIP, Host: "10.0.0.2", Port: SocketPort}},
		{"192.168.1.10",
			Resource{Interface: TCPIP, Host: "192.168.1.10", Port: SocketPort}},
		{"127.0.0.1:6000",
			Resource{Interface: TCPIP, Host: "127.0.0.1", Port: 6000}},
		{"ASRL1::INSTR",
			Resource{Interface: ASRL, Board: 1, Device: "/dev/ttyS0", Baud: 9600}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResource(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseResource mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseResourceRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"GPIB0::12::INSTR",
		"USB0::zz::0x1780::INSTR",
		"TCPIP0::host::notaport::SOCKET",
		"TCPIP0::host::5025::BOGUS",
		"host:port",
	} {
		if _, err := ParseResource(in); !errors.Is(err, ErrBadResource) {
			t.Errorf("ParseResource(%q) gave %v, expected ErrBadResource", in, err)
		}
	}
}

func TestResourceStringRoundTrip(t *testing.T) {
	in := "USB0::0x0957::0x1780::MY55310270::0::INSTR"
	r, err := ParseResource(in)
	if err != nil {
		t.Fatal(err)
	}
	if r.String() != in {
		t.Errorf("expected %q, got %q", in, r.String())
	}
}
