package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/keysight"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/scpi/scpitest"
	"github.com/nasa-jpl/scopebench/script"
)

const idn = "KEYSIGHT TECHNOLOGIES,DSOX3024T,MY55310270,07.50"

// answer replies to *IDN? and every measurement query
func answer(msg string) []byte {
	switch {
	case msg == "*IDN?":
		return []byte(idn + "\n")
	case strings.HasPrefix(msg, ":MEASure:") && strings.Contains(msg, "?"):
		return []byte("+1.500000E+00\n")
	}
	return nil
}

// newBench returns a bench whose panel files live in a temporary directory
// and which dials a fake scope, served by an httptest server
func newBench(t *testing.T) (*Bench, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	set := config.Defaults()
	set.BaseDirectory = dir
	set.SaveDirectory = dir
	set.TimeoutMS = 1000
	if err := config.Set(set); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { config.Set(config.Defaults()) })

	inst := scpitest.New(t, answer)
	b := New()
	b.ConfigDir = dir
	b.Dial = func(addr string, timeout time.Duration) (*keysight.Scope, error) {
		return keysight.FromSCPI(inst.SCPI()), nil
	}
	b.Detect = func() ([]string, error) { return []string{"TCPIP0::" + inst.Addr + "::INSTR"}, nil }
	t.Cleanup(func() { b.Close() })

	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func connect(t *testing.T, srv *httptest.Server) {
	t.Helper()
	expectStatus(t, do(t, srv, http.MethodPost, "/home/connect", nil), http.StatusOK)
}

func measurementScript() *script.Script {
	return &script.Script{
		Name: "bench",
		Steps: []script.Step{
			{Name: "start", Type: script.Start},
			{Name: "vpp", Type: script.Measure, Measurement: measure.Vpp, Channel: 1},
			{Name: "freq", Type: script.Measure, Measurement: measure.Frequency, Channel: 2},
			{Name: "end", Type: script.End},
		},
	}
}

func TestMeasureNeedsConnection(t *testing.T) {
	_, srv := newBench(t)
	expectStatus(t, do(t, srv, http.MethodPost, "/home/measure", nil), http.StatusServiceUnavailable)
	expectStatus(t, do(t, srv, http.MethodGet, "/scope/idn", nil), http.StatusServiceUnavailable)
}

func TestConnectReportsIdentity(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	var st StatusReport
	decodeBody(t, do(t, srv, http.MethodGet, "/home/status", nil), &st)
	if !st.Connected || st.IDN != idn {
		t.Errorf("unexpected status %+v", st)
	}
	if got, err := b.IDN(); err != nil || got != idn {
		t.Errorf("IDN() = %q, %v", got, err)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/home/disconnect", nil), http.StatusOK)
	if b.Connected() {
		t.Error("still connected after disconnect")
	}
}

func TestDetect(t *testing.T) {
	_, srv := newBench(t)
	var found []string
	decodeBody(t, do(t, srv, http.MethodGet, "/home/detect", nil), &found)
	if len(found) != 1 || !strings.HasPrefix(found[0], "TCPIP0::") {
		t.Errorf("unexpected detection %v", found)
	}
}

func TestMeasureSelection(t *testing.T) {
	_, srv := newBench(t)
	connect(t, srv)
	sel := config.Selection{SelectedMeasurements: []string{"Vpp", "Frequency"}, SelectedChannel1: 2, SelectedChannel2: 1}
	expectStatus(t, do(t, srv, http.MethodPost, "/home/selection", sel), http.StatusOK)

	var res []measure.Result
	decodeBody(t, do(t, srv, http.MethodPost, "/home/measure", nil), &res)
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	for _, r := range res {
		if r.Channel != 2 || r.Value != 1.5 {
			t.Errorf("unexpected result %+v", r)
		}
	}

	bad := config.Selection{SelectedMeasurements: []string{"Jitter"}, SelectedChannel1: 1, SelectedChannel2: 2}
	expectStatus(t, do(t, srv, http.MethodPost, "/home/selection", bad), http.StatusBadRequest)
}

func stepNames(s *script.Script) []string {
	var out []string
	for _, st := range s.Steps {
		out = append(out, st.Name)
	}
	return out
}

// edited decodes the script an editor route replies with
func edited(t *testing.T, resp *http.Response) *script.Script {
	t.Helper()
	expectStatus(t, resp, http.StatusOK)
	s := &script.Script{}
	decodeBody(t, resp, s)
	return s
}

func TestScriptEditing(t *testing.T) {
	_, srv := newBench(t)
	edited(t, do(t, srv, http.MethodPost, "/script/steps",
		script.Step{Type: script.Measure, Measurement: measure.Vpp, Channel: 1}))
	edited(t, do(t, srv, http.MethodPost, "/script/steps",
		script.Step{Type: script.Measure, Measurement: measure.RMS, Channel: 1}))
	s := edited(t, do(t, srv, http.MethodPost, "/script/steps?at=0",
		script.Step{Name: "wait", Type: script.Delay, Params: map[string]float64{"seconds": 0}}))
	if diff := cmp.Diff([]string{"wait", "measure", "measure_2"}, stepNames(s)); diff != "" {
		t.Errorf("after adding (-want +got):\n%s", diff)
	}

	edited(t, do(t, srv, http.MethodPost, "/script/steps/wait/move", map[string]int{"int": 2}))
	s = edited(t, do(t, srv, http.MethodPost, "/script/steps/measure_2/rename", map[string]string{"str": "rms"}))
	if diff := cmp.Diff([]string{"measure", "rms", "wait"}, stepNames(s)); diff != "" {
		t.Errorf("after move and rename (-want +got):\n%s", diff)
	}

	s = edited(t, do(t, srv, http.MethodPost, "/script/steps/wait/params", map[string]float64{"seconds": 0.5}))
	if got := s.Steps[2].Seconds(); got != 0.5 {
		t.Errorf("delay is %v seconds, expected 0.5", got)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/script/steps/measure/rename", map[string]string{"str": "rms"}), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodDelete, "/script/steps/nope", nil), http.StatusNotFound)
	expectStatus(t, do(t, srv, http.MethodDelete, "/script/steps/rms", nil), http.StatusOK)

	s = edited(t, do(t, srv, http.MethodGet, "/script", nil))
	if diff := cmp.Diff([]string{"measure", "wait"}, stepNames(s)); diff != "" {
		t.Errorf("after delete (-want +got):\n%s", diff)
	}
}

func TestScriptSaveLoad(t *testing.T) {
	b, srv := newBench(t)
	expectStatus(t, do(t, srv, http.MethodPut, "/script", measurementScript()), http.StatusOK)
	expectStatus(t, do(t, srv, http.MethodPost, "/script/save", nil), http.StatusOK)
	if _, err := os.Stat(b.Store().Path(config.ScriptFile)); err != nil {
		t.Fatal(err)
	}

	expectStatus(t, do(t, srv, http.MethodPut, "/script", &script.Script{Name: "empty"}), http.StatusOK)
	s := edited(t, do(t, srv, http.MethodPost, "/script/load", nil))
	if diff := cmp.Diff(stepNames(measurementScript()), stepNames(s)); diff != "" {
		t.Errorf("reloaded script (-want +got):\n%s", diff)
	}
}

type runReply struct {
	Script  string `json:"script"`
	Error   string `json:"error"`
	Results []struct {
		Step  string  `json:"step"`
		Value float64 `json:"value"`
	} `json:"results"`
}

func TestRunAndExport(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	if err := b.SetScript(measurementScript()); err != nil {
		t.Fatal(err)
	}

	var run runReply
	decodeBody(t, do(t, srv, http.MethodPost, "/run?wait=true", nil), &run)
	if run.Error != "" || len(run.Results) != 2 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Results[0].Step != "vpp" || run.Results[0].Value != 1.5 {
		t.Errorf("unexpected first result %+v", run.Results[0])
	}

	resp := do(t, srv, http.MethodGet, "/run/export?format=csv", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "Step,Measurement,Channel") {
		t.Errorf("unexpected export:\n%s", body)
	}
	expectStatus(t, do(t, srv, http.MethodGet, "/run/export?format=docx", nil), http.StatusBadRequest)

	table := RunTable(b.LastRun())
	if len(table.Rows) != 2 || table.Sheet != "Run" {
		t.Errorf("unexpected table %+v", table)
	}
}

func TestRunInBackground(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	if err := b.SetScript(measurementScript()); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, srv, http.MethodPost, "/run", nil), http.StatusAccepted)
	deadline := time.Now().Add(5 * time.Second)
	for b.LastRun() == nil || b.Lock.Locked() {
		if time.Now().After(deadline) {
			t.Fatal("background run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !b.LastRun().OK() {
		t.Error("background run failed")
	}
}

func TestRunKeepsScopeAgainstUnlock(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	s := measurementScript()
	s.Steps = append(s.Steps[:1], append([]script.Step{
		{Name: "wait", Type: script.Delay, Params: map[string]float64{"seconds": 30}},
	}, s.Steps[1:]...)...)
	if err := b.SetScript(s); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, srv, http.MethodPost, "/run", nil), http.StatusAccepted)

	expectStatus(t, do(t, srv, http.MethodPost, "/scope/lock", map[string]bool{"bool": false}), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodPost, "/run", nil), http.StatusConflict)

	// even with the locker cleared behind its back the bench refuses
	b.Lock.Unlock()
	expectStatus(t, do(t, srv, http.MethodPost, "/batch", BatchRequest{Iterations: 1}), http.StatusConflict)
	if _, err := b.Measure(context.Background(), measure.Vpp, 1, 0); !errors.Is(err, ErrBusy) {
		t.Errorf("measure during a run gave %v", err)
	}

	b.Cancel()
	deadline := time.Now().Add(5 * time.Second)
	for b.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("canceled run did not release the scope")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if run := b.LastRun(); run == nil || run.OK() {
		t.Errorf("expected a canceled run, got %+v", run)
	}
}

func TestBusyWhileHeld(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	if !b.Lock.TryHold("test") {
		t.Fatal("could not hold a free lock")
	}
	defer b.Lock.Unlock()

	expectStatus(t, do(t, srv, http.MethodPost, "/run?wait=true", nil), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodPost, "/batch", BatchRequest{Iterations: 1}), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodPost, "/home/connect", nil), http.StatusLocked)
	expectStatus(t, do(t, srv, http.MethodPost, "/capture", nil), http.StatusLocked)
	expectStatus(t, do(t, srv, http.MethodPost, "/home/measure", nil), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodGet, "/scope/idn", nil), http.StatusLocked)

	// the editor stays usable
	expectStatus(t, do(t, srv, http.MethodGet, "/script", nil), http.StatusOK)
}

func TestBatchAndExport(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	if err := b.SetScript(measurementScript()); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, srv, http.MethodPost, "/batch?wait=true", BatchRequest{}), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodPost, "/batch?wait=true", BatchRequest{Iterations: 3}), http.StatusOK)

	run := b.LastBatch()
	if run == nil || !run.OK() || len(run.Iterations) != 3 {
		t.Fatalf("unexpected batch %+v", run)
	}

	resp := do(t, srv, http.MethodGet, "/batch/export?format=csv", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".csv") {
		t.Errorf("content disposition %q", cd)
	}
}

func TestSettings(t *testing.T) {
	b, srv := newBench(t)
	var set config.Settings
	decodeBody(t, do(t, srv, http.MethodGet, "/settings", nil), &set)
	set.BaseFilename = "shots"
	set.Monitor.History = 5
	expectStatus(t, do(t, srv, http.MethodPost, "/settings", set), http.StatusOK)
	if got := config.Get().BaseFilename; got != "shots" {
		t.Errorf("base filename is %q", got)
	}

	set.TimeoutMS = -1
	expectStatus(t, do(t, srv, http.MethodPost, "/settings", set), http.StatusBadRequest)
	if got := config.Get().TimeoutMS; got != 1000 {
		t.Errorf("a rejected update changed the timeout to %d", got)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/settings/save", nil), http.StatusOK)
	if _, err := os.Stat(filepath.Join(b.ConfigDir, config.FileName)); err != nil {
		t.Error(err)
	}
}

func TestSettingsReachOpenSession(t *testing.T) {
	b, srv := newBench(t)
	connect(t, srv)
	set := config.Get()
	set.Handshaking = true
	set.CaptureFormat = "word"
	set.TimeoutMS = 2500
	expectStatus(t, do(t, srv, http.MethodPost, "/settings", set), http.StatusOK)
	scope, err := b.Scope()
	if err != nil {
		t.Fatal(err)
	}
	if !scope.Handshaking || scope.Format != keysight.Word || scope.Timeout != 2500*time.Millisecond {
		t.Errorf("session not updated: handshaking %v, format %s, timeout %v", scope.Handshaking, scope.Format, scope.Timeout)
	}

	if err := b.hold("run of bench"); err != nil {
		t.Fatal(err)
	}
	set.Handshaking = false
	expectStatus(t, do(t, srv, http.MethodPost, "/settings", set), http.StatusOK)
	if !scope.Handshaking {
		t.Error("session changed under a running job")
	}
	b.release()
	if scope.Handshaking {
		t.Error("settings changed during the job were not applied at its end")
	}
}

func TestMonitorKeepsHistory(t *testing.T) {
	m := NewMonitor(3)
	var sunk int
	m.Sink = func(Sample) { sunk++ }
	n := 0.
	m.Start(context.Background(), time.Millisecond, func(context.Context) (measure.Result, error) {
		n++
		if int(n)%2 == 0 {
			return measure.Result{}, ErrBusy
		}
		return measure.Result{Value: n, Unit: "V", Timestamp: time.Now()}, nil
	})
	deadline := time.Now().Add(5 * time.Second)
	for len(m.History()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("monitor did not fill its history")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	if m.Running() {
		t.Error("running after Stop")
	}
	h := m.History()
	if len(h) != 3 || sunk < 3 {
		t.Fatalf("history of %d, %d sunk", len(h), sunk)
	}
	for _, s := range h {
		if int(s.Value)%2 == 0 {
			t.Errorf("busy reading recorded: %+v", s)
		}
	}
	m.Resize(1)
	if got := m.History(); len(got) != 1 || got[0] != h[2] {
		t.Errorf("resize kept %v", got)
	}
}

func TestHubStreams(t *testing.T) {
	b, srv := newBench(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/run/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgHello {
		t.Fatalf("first message was %q", msg.Type)
	}
	if n := b.Hub.Clients(); n != 1 {
		t.Fatalf("%d clients", n)
	}

	b.Hub.Publish(MsgProgress, Progress{Done: 1, Total: 2})
	var got struct {
		Type    string   `json:"type"`
		Payload Progress `json:"payload"`
	}
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != MsgProgress || got.Payload != (Progress{Done: 1, Total: 2}) {
		t.Errorf("unexpected message %+v", got)
	}
}

func TestHubDropsForSlowClients(t *testing.T) {
	h := NewHub()
	msgs, cancel := h.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(MsgEvent, i)
	}
	if len(msgs) != subscriberBuffer {
		t.Errorf("%d messages buffered", len(msgs))
	}
	cancel()
	cancel()
	if h.Clients() != 0 {
		t.Error("subscriber not removed")
	}
}

func TestEndpointsAndMetrics(t *testing.T) {
	_, srv := newBench(t)
	var endpoints []string
	decodeBody(t, do(t, srv, http.MethodGet, "/endpoints", nil), &endpoints)
	want := map[string]bool{"GET /home/status": false, "POST /run": false, "GET /run/ws": false}
	for _, e := range endpoints {
		if _, ok := want[e]; ok {
			want[e] = true
		}
	}
	for e, found := range want {
		if !found {
			t.Errorf("%s not listed", e)
		}
	}

	connect(t, srv)
	resp := do(t, srv, http.MethodGet, "/metrics", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scopebench_connected 1") {
		t.Errorf("metrics do not report the connection:\n%s", body)
	}
}

func TestFreeDir(t *testing.T) {
	dir := t.TempDir()
	if got := freeDir(dir, "shot"); got != "shot_001" {
		t.Errorf("empty dir gave %q", got)
	}
	if err := os.Mkdir(filepath.Join(dir, "shot_001"), 0755); err != nil {
		t.Fatal(err)
	}
	if got := freeDir(dir, "shot"); got != "shot_002" {
		t.Errorf("gave %q after shot_001", got)
	}
}
