// Package ascii contains some injectable HTTP interfaces to ASCII hardare
package ascii

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/comm"
	"github.com/nasa-jpl/scopebench/generichttp"
	"github.com/nasa-jpl/scopebench/scpi"
)

// RawCommunicator has a single Raw method
type RawCommunicator interface {
	Raw(string) (string, error)
}

// ErrorPopper reads one entry of the instrument's error queue, nil if empty
type ErrorPopper interface {
	PopError() error
}

// Status maps an error from the instrument to an HTTP status.  Timeouts are
// 504 and errors the instrument reported or garbled replies are 502
func Status(err error) int {
	var de scpi.DeviceError
	switch {
	case comm.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &de),
		errors.Is(err, scpi.ErrBadBlock),
		errors.Is(err, scpi.ErrEmptyResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// RawWrapper is a wrapper around a raw communicator
type RawWrapper struct {
	Comm RawCommunicator

	// Status maps errors to HTTP statuses, the package's Status if nil
	Status func(error) int
}

func (rw *RawWrapper) fail(w http.ResponseWriter, err error) {
	status := rw.Status
	if status == nil {
		status = Status
	}
	http.Error(w, err.Error(), status(err))
}

// HTTPRaw provides access to the raw function over http.  The body is
// {"str": "*IDN?"}; the reply is the instrument's response, empty for
// commands that are not queries.  With ?check=true and a communicator
// that is an ErrorPopper, the error queue is read afterwards and an
// entry in it fails the request
func (rw *RawWrapper) HTTPRaw(w http.ResponseWriter, r *http.Request) {
	check := false
	if q := r.URL.Query().Get("check"); q != "" {
		var err error
		check, err = strconv.ParseBool(q)
		if err != nil {
			http.Error(w, "check: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if str.Str == "" {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}
	resp, err := rw.Comm.Raw(str.Str)
	if err != nil {
		rw.fail(w, errors.Wrap(err, str.Str))
		return
	}
	if ep, ok := rw.Comm.(ErrorPopper); ok && check {
		if err := ep.PopError(); err != nil {
			rw.fail(w, errors.Wrap(err, str.Str))
			return
		}
	}
	hp := generichttp.HumanPayload{T: types.String, String: resp}
	hp.EncodeAndRespond(w, r)
}

// InjectRawComm injects a /raw POST route into the route table.  status
// maps errors to HTTP statuses and may be nil
func InjectRawComm(table generichttp.RouteTable, raw RawCommunicator, status func(error) int) {
	wrap := RawWrapper{Comm: raw, Status: status}
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = wrap.HTTPRaw
}
