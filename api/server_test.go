package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mkflash/constraint"
	"mkflash/drive"
	"mkflash/fault"
	"mkflash/flasher"
	"mkflash/image"
)

type devices []drive.Device

func (d devices) Snapshot() []drive.Device { return d }

type candidates []constraint.Candidate

func (c candidates) AllCandidates() []constraint.Candidate { return c }

func get(t *testing.T, h http.Handler, path string, into any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if into != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
			t.Fatalf("GET %s: decode %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec
}

func TestHealth(t *testing.T) {
	var body map[string]string
	rec := get(t, New(nil).Handler(), "/api/health", &body)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestDrives(t *testing.T) {
	s := New(nil)
	h := s.Handler()

	var empty []drive.Device
	get(t, h, "/api/drives", &empty)
	if len(empty) != 0 {
		t.Errorf("drives without a source = %v", empty)
	}

	stick := drive.Device{Path: "/dev/sdb", Description: "Stick", Size: 4_000_000_000}
	s.SetDevices(devices{stick})
	var got []drive.Device
	get(t, h, "/api/drives", &got)
	if len(got) != 1 || got[0].Path != stick.Path {
		t.Errorf("drives = %+v", got)
	}

	s.SetCandidates(candidates(constraint.Candidates([]drive.Device{stick}, image.Metadata{Size: 8_000_000_000})))
	var cands []map[string]any
	get(t, h, "/api/drives", &cands)
	if len(cands) != 1 || cands[0]["verdict"] != "too-small" {
		t.Errorf("candidates = %v", cands)
	}
}

func TestProgress(t *testing.T) {
	s := New(nil)
	h := s.Handler()

	var st Status
	get(t, h, "/api/progress", &st)
	if st.State != "idle" || st.Progress != nil {
		t.Errorf("initial status = %+v", st)
	}

	s.Observe(flasher.ProgressEvent{Phase: flasher.PhaseCheck, BytesProcessed: 10, TotalBytes: 20, Percentage: 50})
	get(t, h, "/api/progress", &st)
	if st.State != "verifying" || st.Progress == nil || st.Progress.Percentage != 50 {
		t.Errorf("status = %+v", st)
	}

	s.Finish(flasher.Result{SourceChecksum: "cafebabe"}, nil)
	st = Status{}
	get(t, h, "/api/progress", &st)
	if st.State != "done" || st.SourceChecksum != "cafebabe" {
		t.Errorf("status = %+v", st)
	}

	s.Finish(flasher.Result{}, fault.New(fault.KindChecksumMismatch, "/dev/sdb", "mismatch"))
	st = Status{}
	get(t, h, "/api/progress", &st)
	if st.State != "failed" || st.Error == nil || st.Error.Code != fault.KindChecksumMismatch {
		t.Errorf("status = %+v", st)
	}
}

func TestCORSAndMethods(t *testing.T) {
	h := New(nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/progress", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/progress = %d", rec.Code)
	}
}
