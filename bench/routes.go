package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/batch"
	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/export"
	"github.com/nasa-jpl/scopebench/generichttp"
	"github.com/nasa-jpl/scopebench/generichttp/ascii"
	"github.com/nasa-jpl/scopebench/generichttp/tmc"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/oscilloscope"
	"github.com/nasa-jpl/scopebench/script"
	"github.com/nasa-jpl/scopebench/server"
	"github.com/nasa-jpl/scopebench/server/middleware/locker"
)

// status maps errors to HTTP status codes
func status(err error) int {
	switch {
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, script.ErrUnknownStep):
		return http.StatusNotFound
	case errors.Is(err, script.ErrDuplicateName),
		errors.Is(err, script.ErrInvalid),
		errors.Is(err, measure.ErrUnknownKind),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, export.ErrUnknownFormat),
		errors.Is(err, batch.ErrNoIterations):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrExists):
		return http.StatusConflict
	}
	return ascii.Status(err)
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), status(err))
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, http.StatusOK, v)
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// guard rejects the request with 423 while a run or batch holds the lock
func (b *Bench) guard(h http.HandlerFunc) http.HandlerFunc {
	return b.Lock.Check(h).ServeHTTP
}

// RT is the route table of the panels; the scope passthrough under /scope,
// /run/ws and /metrics are added by Handler
func (b *Bench) RT() generichttp.RouteTable {
	rt := generichttp.RouteTable{}
	get := func(path string, h http.HandlerFunc) {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = h
	}
	post := func(path string, h http.HandlerFunc) {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = h
	}

	// home
	get("/home/status", b.httpStatus)
	get("/home/idn", generichttp.GetString(b.IDN))
	get("/home/detect", generichttp.GetJSON(func() (interface{}, error) { return b.Detect() }))
	post("/home/connect", b.guard(b.httpConnect))
	post("/home/disconnect", b.guard(func(w http.ResponseWriter, r *http.Request) {
		b.Monitor.Stop()
		reply(w, struct{}{}, b.Disconnect())
	}))
	get("/home/log", generichttp.GetJSON(func() (interface{}, error) { return b.Journal(), nil }))
	get("/home/selection", generichttp.GetJSON(func() (interface{}, error) { return b.Store().LoadSelection() }))
	post("/home/selection", b.httpSaveSelection)
	post("/home/measure", func(w http.ResponseWriter, r *http.Request) {
		res, err := b.MeasureSelection(r.Context())
		reply(w, res, err)
	})
	get("/home/monitor", generichttp.GetJSON(func() (interface{}, error) { return b.Monitor.History(), nil }))
	post("/home/monitor", generichttp.SetBool(func(on bool) error {
		if !on {
			b.Monitor.Stop()
			return nil
		}
		return b.StartMonitor()
	}))
	get("/home/kinds", generichttp.GetJSON(func() (interface{}, error) { return kindList(), nil }))

	// axis control
	get("/axis", generichttp.GetJSON(func() (interface{}, error) { return b.Store().LoadAxis() }))
	post("/axis", b.httpSaveAxis)
	post("/axis/apply", b.guard(b.httpApplyAxis))
	post("/axis/read", b.guard(b.httpReadAxis))

	// waveform capture
	get("/capture/config", generichttp.GetJSON(func() (interface{}, error) { return b.captureConfig() }))
	post("/capture/config", b.httpSaveCapture)
	post("/capture", b.guard(func(w http.ResponseWriter, r *http.Request) {
		art, err := b.Capture(r.Context(), queryBool(r, "digitize"), queryBool(r, "overwrite"))
		reply(w, art, err)
	}))
	get("/capture/last", b.httpLastCapture)
	get("/capture/files/{name}", b.httpCaptureFile)

	// script editor
	get("/script", generichttp.GetJSON(func() (interface{}, error) { return b.Script(), nil }))
	rt[generichttp.MethodPath{Method: http.MethodPut, Path: "/script"}] = b.httpPutScript
	post("/script/steps", b.httpAddStep)
	rt[generichttp.MethodPath{Method: http.MethodPut, Path: "/script/steps/{name}"}] = b.httpReplaceStep
	rt[generichttp.MethodPath{Method: http.MethodDelete, Path: "/script/steps/{name}"}] = b.httpRemoveStep
	post("/script/steps/{name}/move", b.httpMoveStep)
	post("/script/steps/{name}/rename", b.httpRenameStep)
	post("/script/steps/{name}/params", b.httpConfigureStep)
	post("/script/save", generichttp.GetJSON(func() (interface{}, error) {
		path, err := b.SaveScript()
		return map[string]string{"path": path}, err
	}))
	post("/script/load", generichttp.GetJSON(func() (interface{}, error) { return b.ReloadScript() }))
	post("/script/import", generichttp.GetJSON(func() (interface{}, error) { return b.ImportSequence() }))

	// run script
	post("/run", b.httpRun)
	post("/run/cancel", func(w http.ResponseWriter, r *http.Request) {
		b.Cancel()
		w.WriteHeader(http.StatusOK)
	})
	get("/run/last", b.httpLastRun)
	get("/run/export", b.httpExportRun)

	// batch process
	post("/batch", b.httpBatch)
	get("/batch/last", b.httpLastBatch)
	get("/batch/export", b.httpExportBatch)
	post("/batch/merge", b.httpMerge)

	// settings
	get("/settings", generichttp.GetJSON(func() (interface{}, error) { return config.Get(), nil }))
	post("/settings", b.httpUpdateSettings)
	post("/settings/save", generichttp.GetJSON(func() (interface{}, error) {
		return map[string]string{"dir": b.ConfigDir}, config.Save(b.ConfigDir)
	}))
	return rt
}

// scopeHandler serves the passthrough routes of the open session
func (b *Bench) scopeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := b.Scope()
		if err != nil {
			fail(w, err)
			return
		}
		b.mu.Lock()
		if b.scopeMux == nil || b.muxFor != scope {
			h := tmc.NewHTTPOscilloscope(scope)
			ascii.InjectRawComm(h.RT(), scope, status)
			locker.Inject(h, b.Lock)
			mux := chi.NewRouter()
			mux.Use(b.Lock.Check)
			h.RT().Bind(mux)
			b.scopeMux, b.muxFor = mux, scope
		}
		mux := b.scopeMux
		b.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

// Handler assembles every route of the bench
func (b *Bench) Handler() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	rt := b.RT()
	rt.Bind(root)
	root.Get("/run/ws", b.Hub.ServeHTTP)
	root.Mount("/scope", b.scopeHandler())
	root.Method(http.MethodGet, "/metrics", b.Metrics.Handler())

	endpoints := append(rt.Endpoints(), "GET /run/ws", "GET /metrics", "* /scope/...")
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.WriteJSON(w, http.StatusOK, endpoints)
	})
	return root
}

// StatusReport is the home panel summary
type StatusReport struct {
	Connected  bool   `json:"connected"`
	IDN        string `json:"idn,omitempty"`
	Address    string `json:"address"`
	Busy       bool   `json:"busy"`
	Holder     string `json:"holder,omitempty"`
	Monitoring bool   `json:"monitoring"`
	Clients    int    `json:"clients"`
}

func (b *Bench) httpStatus(w http.ResponseWriter, r *http.Request) {
	idn, _ := b.IDN()
	generichttp.WriteJSON(w, http.StatusOK, StatusReport{
		Connected:  b.Connected(),
		IDN:        idn,
		Address:    config.Get().VISAAddress,
		Busy:       b.Busy(),
		Holder:     b.Lock.Holder(),
		Monitoring: b.Monitor.Running(),
		Clients:    b.Hub.Clients(),
	})
}

func (b *Bench) httpConnect(w http.ResponseWriter, r *http.Request) {
	addr := generichttp.StrT{}
	if r.ContentLength != 0 && !decode(w, r, &addr) {
		return
	}
	idn, err := b.Connect(addr.Str)
	if err != nil {
		fail(w, err)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: idn}
	hp.EncodeAndRespond(w, r)
}

func (b *Bench) httpSaveSelection(w http.ResponseWriter, r *http.Request) {
	var sel config.Selection
	if !decode(w, r, &sel) {
		return
	}
	if _, err := sel.Kinds(); err != nil {
		fail(w, err)
		return
	}
	reply(w, sel, b.Store().SaveSelection(sel))
}

// Kind describes a measurement for clients building pickers
type Kind struct {
	Name     string `json:"name"`
	Mnemonic string `json:"mnemonic"`
	Unit     string `json:"unit"`
	Dual     bool   `json:"dual"`
}

func kindList() []Kind {
	var out []Kind
	for _, k := range measure.Kinds() {
		out = append(out, Kind{Name: k.String(), Mnemonic: k.Mnemonic(), Unit: k.Unit(), Dual: k.Dual()})
	}
	return out
}

func (b *Bench) httpSaveAxis(w http.ResponseWriter, r *http.Request) {
	var a oscilloscope.Axis
	if !decode(w, r, &a) {
		return
	}
	reply(w, a, b.Store().SaveAxis(a))
}

// httpApplyAxis sends the body, or the saved axis_config.json if the body
// is empty, to the scope
func (b *Bench) httpApplyAxis(w http.ResponseWriter, r *http.Request) {
	scope, err := b.Scope()
	if err != nil {
		fail(w, err)
		return
	}
	var a oscilloscope.Axis
	if r.ContentLength != 0 {
		if !decode(w, r, &a) {
			return
		}
	} else if a, err = b.Store().LoadAxis(); err != nil {
		fail(w, err)
		return
	}
	reply(w, a, scope.ApplyAxis(a))
}

// httpReadAxis reads the setup from the scope; with save=true it is also
// written to axis_config.json
func (b *Bench) httpReadAxis(w http.ResponseWriter, r *http.Request) {
	scope, err := b.Scope()
	if err != nil {
		fail(w, err)
		return
	}
	a, err := scope.ReadAxis()
	if err == nil && queryBool(r, "save") {
		err = b.Store().SaveAxis(a)
	}
	reply(w, a, err)
}

func (b *Bench) httpSaveCapture(w http.ResponseWriter, r *http.Request) {
	var c config.Capture
	if !decode(w, r, &c) {
		return
	}
	if _, bad := c.SelectedMeasurements(); len(bad) > 0 {
		fail(w, errors.Wrapf(measure.ErrUnknownKind, "%v", bad))
		return
	}
	reply(w, c, b.Store().SaveCapture(c))
}

func (b *Bench) httpLastCapture(w http.ResponseWriter, r *http.Request) {
	art := b.LastCapture()
	if art == nil {
		http.Error(w, "no capture yet", http.StatusNotFound)
		return
	}
	generichttp.WriteJSON(w, http.StatusOK, art)
}

// httpCaptureFile serves one artifact of the last capture
func (b *Bench) httpCaptureFile(w http.ResponseWriter, r *http.Request) {
	art := b.LastCapture()
	if art == nil {
		http.Error(w, "no capture yet", http.StatusNotFound)
		return
	}
	name := filepath.Base(chi.URLParam(r, "name"))
	server.ReplyWithFile(w, r, name, art.Dir)
}

func (b *Bench) httpPutScript(w http.ResponseWriter, r *http.Request) {
	s, err := script.Decode(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply(w, s, b.SetScript(s))
}

// httpAddStep appends the step in the body, or inserts it at the at query
// parameter.  A step without a name is given one from its type
func (b *Bench) httpAddStep(w http.ResponseWriter, r *http.Request) {
	var st script.Step
	if !decode(w, r, &st) {
		return
	}
	at := r.URL.Query().Get("at")
	s, err := b.Edit(func(s *script.Script) error {
		if st.Name == "" {
			st.Name = s.UniqueName(string(st.Type))
		}
		if at == "" {
			return s.Append(st)
		}
		i, err := strconv.Atoi(at)
		if err != nil {
			return errors.Wrapf(script.ErrInvalid, "position %q", at)
		}
		return s.Insert(i, st)
	})
	reply(w, s, err)
}

func (b *Bench) httpReplaceStep(w http.ResponseWriter, r *http.Request) {
	var st script.Step
	if !decode(w, r, &st) {
		return
	}
	name := chi.URLParam(r, "name")
	s, err := b.Edit(func(s *script.Script) error { return s.Replace(name, st) })
	reply(w, s, err)
}

func (b *Bench) httpRemoveStep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, err := b.Edit(func(s *script.Script) error { return s.Remove(name) })
	reply(w, s, err)
}

// httpMoveStep moves the step to the index in {"int": to}
func (b *Bench) httpMoveStep(w http.ResponseWriter, r *http.Request) {
	to := generichttp.IntT{}
	if !decode(w, r, &to) {
		return
	}
	name := chi.URLParam(r, "name")
	s, err := b.Edit(func(s *script.Script) error {
		from := s.Index(name)
		if from < 0 {
			return errors.Wrapf(script.ErrUnknownStep, "%q", name)
		}
		return s.Move(from, to.Int)
	})
	reply(w, s, err)
}

func (b *Bench) httpRenameStep(w http.ResponseWriter, r *http.Request) {
	name := generichttp.StrT{}
	if !decode(w, r, &name) {
		return
	}
	old := chi.URLParam(r, "name")
	s, err := b.Edit(func(s *script.Script) error { return s.Rename(old, name.Str) })
	reply(w, s, err)
}

func (b *Bench) httpConfigureStep(w http.ResponseWriter, r *http.Request) {
	var params map[string]float64
	if !decode(w, r, &params) {
		return
	}
	name := chi.URLParam(r, "name")
	s, err := b.Edit(func(s *script.Script) error { return s.Configure(name, params) })
	reply(w, s, err)
}

// httpRun starts the current script in the background and replies 202.
// With wait=true it runs in the request and replies with the run
func (b *Bench) httpRun(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "wait") {
		run, err := b.Execute(r.Context(), nil)
		if run == nil {
			fail(w, err)
			return
		}
		// a failed run is still a record worth returning
		generichttp.WriteJSON(w, http.StatusOK, run)
		return
	}
	if err := b.StartRun(); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b *Bench) httpLastRun(w http.ResponseWriter, r *http.Request) {
	run := b.LastRun()
	if run == nil {
		http.Error(w, "no run yet", http.StatusNotFound)
		return
	}
	generichttp.WriteJSON(w, http.StatusOK, run)
}

// attachTable encodes t in the format query parameter, JSON by default
func attachTable(w http.ResponseWriter, r *http.Request, name string, t export.Table) {
	f := export.JSON
	if q := r.URL.Query().Get("format"); q != "" {
		var err error
		if f, err = export.ParseFormat(q); err != nil {
			fail(w, err)
			return
		}
	}
	var buf bytes.Buffer
	if err := export.Encode(&buf, f, t); err != nil {
		fail(w, err)
		return
	}
	server.Attach(w, name+f.Ext(), f.ContentType(), buf.Bytes())
}

func (b *Bench) httpExportRun(w http.ResponseWriter, r *http.Request) {
	run := b.LastRun()
	if run == nil {
		http.Error(w, "no run yet", http.StatusNotFound)
		return
	}
	attachTable(w, r, "run_"+run.Started.Format("20060102_150405"), RunTable(run))
}

// BatchRequest is the body of POST /batch
type BatchRequest struct {
	Iterations int  `json:"iterations"`
	Acquire    bool `json:"acquire"`
	IntervalMS int  `json:"interval_ms"`
}

// Options converts the request
func (br BatchRequest) Options() batch.Options {
	return batch.Options{
		Iterations: br.Iterations,
		Acquire:    br.Acquire,
		Interval:   time.Duration(br.IntervalMS) * time.Millisecond,
	}
}

// httpBatch starts a batch in the background and replies 202, or with
// wait=true runs it in the request
func (b *Bench) httpBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Iterations < 1 {
		fail(w, batch.ErrNoIterations)
		return
	}
	if queryBool(r, "wait") {
		run, err := b.Batch(r.Context(), nil, req.Options())
		if run == nil {
			fail(w, err)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, run)
		return
	}
	if err := b.StartBatch(req.Options()); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b *Bench) httpLastBatch(w http.ResponseWriter, r *http.Request) {
	run := b.LastBatch()
	if run == nil {
		http.Error(w, "no batch yet", http.StatusNotFound)
		return
	}
	generichttp.WriteJSON(w, http.StatusOK, run)
}

func (b *Bench) httpExportBatch(w http.ResponseWriter, r *http.Request) {
	run := b.LastBatch()
	if run == nil {
		http.Error(w, "no batch yet", http.StatusNotFound)
		return
	}
	attachTable(w, r, "batch_"+run.Started.Format("20060102_150405"), run.Table())
}

// httpMerge merges the capture directories under {"str": dir}, the save
// directory if empty
func (b *Bench) httpMerge(w http.ResponseWriter, r *http.Request) {
	dir := generichttp.StrT{}
	if r.ContentLength != 0 && !decode(w, r, &dir) {
		return
	}
	if dir.Str == "" {
		dir.Str = config.Get().SaveDirectory
	}
	rep, err := batch.Merge(dir.Str)
	if err == nil {
		b.logf("merged %d workbooks under %s", len(rep.Workbooks), dir.Str)
	}
	reply(w, rep, err)
}

// httpUpdateSettings overlays the body on the current settings.  Handshaking,
// capture format and timeout reach the open session, see ApplySettings
func (b *Bench) httpUpdateSettings(w http.ResponseWriter, r *http.Request) {
	next := config.Get()
	if !decode(w, r, &next) {
		return
	}
	if err := config.Set(next); err != nil {
		fail(w, err)
		return
	}
	b.Monitor.Resize(next.Monitor.History)
	b.ApplySettings(next)
	b.logf("settings updated")
	generichttp.WriteJSON(w, http.StatusOK, next)
}

// Serve serves Handler on the configured address until ctx is done
func (b *Bench) Serve(ctx context.Context) error {
	addr := config.Get().Addr
	b.logf("now listening for requests at %s", addr)
	return server.ListenAndServe(ctx, addr, b.Handler())
}
