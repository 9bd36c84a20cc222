package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasa-jpl/scopebench/server"
)

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x,y\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	server.ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "a.csv", dir)
	if w.Code != http.StatusOK || w.Body.String() != "x,y\n" {
		t.Errorf("status %d body %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	server.ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "missing.csv", dir)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing file gave %d", w.Code)
	}
}

func TestAttach(t *testing.T) {
	w := httptest.NewRecorder()
	server.Attach(w, "results.csv", "text/csv", []byte("a\n"))
	if cd := w.Header().Get("Content-Disposition"); cd != "attachment; filename=results.csv" {
		t.Errorf("content disposition %q", cd)
	}
}

func TestListenAndServeStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(2 * server.ShutdownTimeout):
		t.Fatal("server did not stop")
	}
}
