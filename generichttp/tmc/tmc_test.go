package tmc_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/scopebench/generichttp/tmc"
	"github.com/nasa-jpl/scopebench/keysight"
	"github.com/nasa-jpl/scopebench/oscilloscope"
	"github.com/nasa-jpl/scopebench/scpi/scpitest"
)

func setup(t *testing.T, table map[string]string) (http.Handler, *scpitest.Instrument) {
	t.Helper()
	inst := scpitest.New(t, scpitest.Table(table))
	h := tmc.NewHTTPOscilloscope(keysight.FromSCPI(inst.SCPI()))
	r := chi.NewRouter()
	h.RT().Bind(r)
	return r, inst
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	h.ServeHTTP(w, req)
	return w
}

func TestTimebaseScale(t *testing.T) {
	h, _ := setup(t, map[string]string{":TIMebase:SCALe?": "+1.0E-03"})
	w := do(h, http.MethodGet, "/timebase/scale", "")
	if got := strings.TrimSpace(w.Body.String()); got != `{"f64":0.001}` {
		t.Errorf("got %s", got)
	}
}

func TestChannelRoutes(t *testing.T) {
	h, inst := setup(t, map[string]string{
		":CHANnel2:SCALe?":   "+5.0E-01",
		":CHANnel2:DISPlay?": "1",
	})
	w := do(h, http.MethodGet, "/ch/2/scale", "")
	if got := strings.TrimSpace(w.Body.String()); got != `{"f64":0.5}` {
		t.Errorf("scale %s", got)
	}
	w = do(h, http.MethodGet, "/ch/2/display", "")
	if got := strings.TrimSpace(w.Body.String()); got != `{"bool":true}` {
		t.Errorf("display %s", got)
	}
	if w := do(h, http.MethodPost, "/ch/3/position", `{"f64": 1}`); w.Code != http.StatusOK {
		t.Fatalf("position status %d: %s", w.Code, w.Body.String())
	}
	do(h, http.MethodGet, "/ch/2/scale", "")
	if !contains(inst.Received(), ":CHANnel3:POSition 1.000000E+00") {
		t.Errorf("position command not sent: %v", inst.Received())
	}
	if w := do(h, http.MethodGet, "/ch/x/scale", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad channel gave %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/ch/9/scale", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("out of range channel gave %d", w.Code)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestSetParamsRejectsUnknown(t *testing.T) {
	h, inst := setup(t, nil)
	w := do(h, http.MethodPost, "/axis/params", `{"timebase_scale": 1e-3, "bogus": 1}`)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bogus") {
		t.Errorf("status %d body %q", w.Code, w.Body.String())
	}
	if len(inst.Received()) != 0 {
		t.Errorf("commands sent for a rejected request: %v", inst.Received())
	}
}

func TestParseChannels(t *testing.T) {
	got, err := tmc.ParseChannels(" 1, 3")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 3}, got); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if got, _ := tmc.ParseChannels(""); got != nil {
		t.Errorf("empty list parsed to %v", got)
	}
	if _, err := tmc.ParseChannels("1,a"); err == nil {
		t.Error("expected an error for a non-numeric channel")
	}
}

func TestWaveformJSON(t *testing.T) {
	wav := oscilloscope.Waveform{
		Preamble: oscilloscope.Preamble{Points: 2, XIncrement: 0.5},
		Channels: map[int]oscilloscope.Channel{2: oscilloscope.Volts([]float64{1, 2})},
	}
	b, err := json.Marshal(tmc.NewWaveformJSON(&wav))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Time     []float64            `json:"time"`
		Channels map[string][]float64 `json:"channels"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 0.5}, got.Time); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]float64{"2": {1, 2}}, got.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
}
