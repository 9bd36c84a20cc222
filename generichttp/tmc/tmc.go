// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/scopebench/generichttp"
	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// Oscilloscope is the part of a scope driver exposed over HTTP
type Oscilloscope interface {
	IDN() (string, error)

	SetTimebaseScale(float64) error
	GetTimebaseScale() (float64, error)
	SetTimebasePosition(float64) error
	GetTimebasePosition() (float64, error)

	SetChannelScale(int, float64) error
	GetChannelScale(int) (float64, error)
	SetChannelPosition(int, float64) error
	GetChannelPosition(int) (float64, error)
	ChannelDisplayed(int) (bool, error)
	ActivateChannel(int, bool) error

	SetMarker(n int, x, y float64) error
	GetMarker(n int) (oscilloscope.Marker, error)

	ReadAxis(channels ...int) (oscilloscope.Axis, error)
	ApplyAxis(oscilloscope.Axis) error
	ApplyParams(map[string]float64) error

	GetSampleRate() (float64, error)
	GetAcqLength() (int, error)
	GetAcqMode() (string, error)
	SetAcqMode(string) error

	Digitize(channels ...int) error
	Run() error
	Stop() error
	Single() error

	Screenshot() ([]byte, error)
	CaptureAll(channels ...int) (oscilloscope.Waveform, error)
}

// HTTPOscilloscope holds the route table of a scope
type HTTPOscilloscope struct {
	Scope Oscilloscope

	RouteTable generichttp.RouteTable
}

// NewHTTPOscilloscope returns a new HTTP wrapper with its route table
// populated
func NewHTTPOscilloscope(o Oscilloscope) HTTPOscilloscope {
	h := HTTPOscilloscope{Scope: o, RouteTable: generichttp.RouteTable{}}
	HTTPScope(o, h.RouteTable)
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPOscilloscope) RT() generichttp.RouteTable {
	return h.RouteTable
}

// HTTPScope injects the routes of an oscilloscope into a route table
func HTTPScope(o Oscilloscope, table generichttp.RouteTable) {
	rt := table
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/idn"}] = generichttp.GetString(o.IDN)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/timebase/scale"}] = generichttp.GetFloat(o.GetTimebaseScale)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/timebase/scale"}] = generichttp.SetFloat(o.SetTimebaseScale)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/timebase/position"}] = generichttp.GetFloat(o.GetTimebasePosition)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/timebase/position"}] = generichttp.SetFloat(o.SetTimebasePosition)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/ch/{channel}/scale"}] = GetChannelFloat(o.GetChannelScale)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/ch/{channel}/scale"}] = SetChannelFloat(o.SetChannelScale)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/ch/{channel}/position"}] = GetChannelFloat(o.GetChannelPosition)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/ch/{channel}/position"}] = SetChannelFloat(o.SetChannelPosition)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/ch/{channel}/display"}] = GetDisplay(o)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/ch/{channel}/display"}] = SetDisplay(o)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/marker/{n}"}] = GetMarker(o)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/marker/{n}"}] = SetMarker(o)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis"}] = GetAxis(o)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis"}] = SetAxis(o)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/params"}] = SetParams(o)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/acq/sample-rate"}] = generichttp.GetFloat(o.GetSampleRate)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/acq/length"}] = generichttp.GetInt(o.GetAcqLength)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/acq/mode"}] = generichttp.GetString(o.GetAcqMode)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acq/mode"}] = generichttp.SetString(o.SetAcqMode)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acq/digitize"}] = Digitize(o)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acq/run"}] = action(o.Run)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acq/stop"}] = action(o.Stop)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acq/single"}] = action(o.Single)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/screenshot"}] = Screenshot(o)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/waveform"}] = GetWaveform(o)
}

func action(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func urlInt(r *http.Request, key string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, key))
}

// ParseChannels parses a comma separated channel list such as "1,3".
// An empty string is an empty list
func ParseChannels(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	pieces := strings.Split(s, ",")
	out := make([]int, len(pieces))
	for i, p := range pieces {
		ch, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = ch
	}
	return out, nil
}

// GetChannelFloat wraps a per channel float getter, the channel is the
// {channel} URL parameter
func GetChannelFloat(fcn func(int) (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := urlInt(r, "channel")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		generichttp.GetFloat(func() (float64, error) { return fcn(ch) })(w, r)
	}
}

// SetChannelFloat wraps a per channel float setter
func SetChannelFloat(fcn func(int, float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := urlInt(r, "channel")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		generichttp.SetFloat(func(f float64) error { return fcn(ch, f) })(w, r)
	}
}

// GetDisplay returns whether a channel is switched on
func GetDisplay(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := urlInt(r, "channel")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		generichttp.GetBool(func() (bool, error) { return o.ChannelDisplayed(ch) })(w, r)
	}
}

// SetDisplay switches a channel on or off
func SetDisplay(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := urlInt(r, "channel")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		generichttp.SetBool(func(b bool) error { return o.ActivateChannel(ch, b) })(w, r)
	}
}

// GetMarker returns {"x": ..., "y": ...} for marker {n}
func GetMarker(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := urlInt(r, "n")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m, err := o.GetMarker(n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, m)
	}
}

// SetMarker places marker {n} from {"x": ..., "y": ...}
func SetMarker(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := urlInt(r, "n")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var m oscilloscope.Marker
		err = json.NewDecoder(r.Body).Decode(&m)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := o.SetMarker(n, m.X, m.Y); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetAxis reads the display setup of the channels in the channels query
// parameter, or every channel
func GetAxis(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chans, err := ParseChannels(r.URL.Query().Get("channels"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a, err := o.ReadAxis(chans...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, a)
	}
}

// SetAxis applies a complete display setup in the axis_config.json layout
func SetAxis(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a oscilloscope.Axis
		err := json.NewDecoder(r.Body).Decode(&a)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := o.ApplyAxis(a); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// SetParams applies only the named parameters, e.g.
// {"timebase_scale": 1e-3, "channel_2_position": 0.5}
func SetParams(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p map[string]float64
		err := json.NewDecoder(r.Body).Decode(&p)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, unknown := oscilloscope.AxisFromParams(p); len(unknown) > 0 {
			http.Error(w, "unknown parameters "+strings.Join(unknown, ", "), http.StatusBadRequest)
			return
		}
		if err := o.ApplyParams(p); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Digitize acquires the channels in the channels query parameter, or every
// displayed channel
func Digitize(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chans, err := ParseChannels(r.URL.Query().Get("channels"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := o.Digitize(chans...); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Screenshot returns the scope display as a PNG
func Screenshot(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		png, err := o.Screenshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	}
}

// WaveformJSON is the JSON form of a waveform in physical units
type WaveformJSON struct {
	Preamble oscilloscope.Preamble `json:"preamble"`
	Time     []float64             `json:"time"`
	Channels map[string][]float64  `json:"channels"`
}

// NewWaveformJSON converts a waveform to physical units
func NewWaveformJSON(wav *oscilloscope.Waveform) WaveformJSON {
	out := WaveformJSON{Preamble: wav.Preamble, Time: wav.Times(), Channels: map[string][]float64{}}
	for _, ch := range wav.ChannelNumbers() {
		out.Channels[strconv.Itoa(ch)] = wav.Channels[ch].Physical()
	}
	return out
}

// GetWaveform transfers the channels in the channels query parameter, or
// every displayed channel.  format=csv returns CSV, otherwise JSON
func GetWaveform(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		chans, err := ParseChannels(q.Get("channels"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wav, err := o.CaptureAll(chans...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if strings.EqualFold(q.Get("format"), "csv") {
			w.Header().Set("Content-Type", "text/csv")
			w.WriteHeader(http.StatusOK)
			wav.EncodeCSV(w)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, NewWaveformJSON(&wav))
	}
}
