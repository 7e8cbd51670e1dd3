package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-av/image2rtsp/internal/pump"
	"github.com/go-av/image2rtsp/internal/task"
)

// fakePumps records lifecycle calls and serves canned snapshots.
type fakePumps struct {
	mu      sync.Mutex
	alive   map[string]bool
	calls   []string
	snap    pump.Snapshot
	snapErr error
	stopErr error
}

func newFakePumps() *fakePumps {
	return &fakePumps{alive: make(map[string]bool)}
}

func (f *fakePumps) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePumps) Start(_ context.Context, id string) error {
	f.record("start:" + id)
	f.mu.Lock()
	f.alive[id] = true
	f.mu.Unlock()
	return nil
}

func (f *fakePumps) Stop(id string) error {
	f.record("stop:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[id] = false
	return f.stopErr
}

func (f *fakePumps) Restart(ctx context.Context, id string) error {
	f.record("restart:" + id)
	return nil
}

func (f *fakePumps) Forget(id string) { f.record("forget:" + id) }

func (f *fakePumps) Alive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *fakePumps) Snapshot(string) (pump.Snapshot, error)  { return f.snap, f.snapErr }
func (f *fakePumps) Next(string) (pump.Snapshot, error)      { return f.snap, f.snapErr }
func (f *fakePumps) Previous(string) (pump.Snapshot, error)  { return f.snap, f.snapErr }
func (f *fakePumps) Goto(string, int) (pump.Snapshot, error) { return f.snap, f.snapErr }
func (f *fakePumps) GotoName(string, string) (pump.Snapshot, error) {
	return f.snap, f.snapErr
}

func (f *fakePumps) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type testEnv struct {
	store *task.Store
	pumps *fakePumps
	srv   *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := task.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	pumps := newFakePumps()
	srv := NewServer(":0", store, pumps, nil, 1<<20)
	return &testEnv{store: store, pumps: pumps, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return env
}

func (e *testEnv) createTask(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/tasks", createTaskRequest{
		Name: "lobby", StreamURL: "rtsp://localhost:8554/lobby", Width: 4, Height: 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Create returned %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	return data["id"].(string)
}

// TestCreateAndGetTask exercises the create/get round trip.
func TestCreateAndGetTask(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	rec := e.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Get returned %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["name"] != "lobby" || data["status"] != "stopped" {
		t.Errorf("Unexpected task view: %v", data)
	}
}

// TestCreateValidation covers request rejection before the registry is
// touched.
func TestCreateValidation(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name string
		req  createTaskRequest
	}{
		{"missing name", createTaskRequest{StreamURL: "rtsp://a", Width: 4, Height: 2}},
		{"missing url", createTaskRequest{Name: "x", Width: 4, Height: 2}},
		{"zero width", createTaskRequest{Name: "x", StreamURL: "rtsp://a", Height: 2}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/tasks", c.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

// TestDuplicateNameConflict verifies duplicate task names map to 409.
func TestDuplicateNameConflict(t *testing.T) {
	e := newTestEnv(t)
	e.createTask(t)

	rec := e.do(t, http.MethodPost, "/api/tasks", createTaskRequest{
		Name: "lobby", StreamURL: "rtsp://b", Width: 4, Height: 2,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rec.Code)
	}
}

// TestUnknownTaskIs404 verifies lookups of unknown IDs.
func TestUnknownTaskIs404(t *testing.T) {
	e := newTestEnv(t)
	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks/nope"},
		{http.MethodDelete, "/api/tasks/nope"},
		{http.MethodGet, "/api/tasks/nope/images"},
	} {
		rec := e.do(t, req.method, req.path, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", req.method, req.path, rec.Code)
		}
	}
}

// TestLifecycleRoutes verifies start/stop/restart reach the pump manager.
func TestLifecycleRoutes(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	for _, op := range []string{"start", "stop", "restart"} {
		rec := e.do(t, http.MethodPost, "/api/tasks/"+id+"/"+op, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s returned %d: %s", op, rec.Code, rec.Body.String())
		}
		if !e.pumps.called(op + ":" + id) {
			t.Errorf("%s did not reach the pump manager", op)
		}
	}
}

// TestDeleteStopsStreamFirst verifies deletion stops the pump before
// removing the task.
func TestDeleteStopsStreamFirst(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	rec := e.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Delete returned %d", rec.Code)
	}
	if !e.pumps.called("stop:" + id) {
		t.Error("Delete did not stop the stream first")
	}
	if !e.pumps.called("forget:" + id) {
		t.Error("Delete did not drop the run state")
	}
	if _, err := e.store.Get(id); err == nil {
		t.Error("Task still present after delete")
	}
}

// TestGotoRouting verifies the goto body selects index or name mode.
func TestGotoRouting(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)
	e.pumps.snap = pump.Snapshot{Running: true, Index: 2, Count: 3, Current: "c.png"}

	idx := 2
	rec := e.do(t, http.MethodPost, "/api/tasks/"+id+"/goto", gotoRequest{Index: &idx})
	if rec.Code != http.StatusOK {
		t.Errorf("goto by index returned %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/tasks/"+id+"/goto", gotoRequest{Name: "c.png"})
	if rec.Code != http.StatusOK {
		t.Errorf("goto by name returned %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/tasks/"+id+"/goto", gotoRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Empty goto body should be rejected, got %d", rec.Code)
	}
}

// TestNavigateEmptyTaskIsBadRequest verifies pump-state errors map to 400.
func TestNavigateEmptyTaskIsBadRequest(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)
	e.pumps.snapErr = pump.ErrNoImages

	rec := e.do(t, http.MethodPost, "/api/tasks/"+id+"/next", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

// TestStopNotRunningIsBadRequest verifies stopping a stream that is not
// running reports a client error, while delete still proceeds.
func TestStopNotRunningIsBadRequest(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)
	e.pumps.stopErr = pump.ErrNotRunning

	rec := e.do(t, http.MethodPost, "/api/tasks/"+id+"/stop", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}

	rec = e.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Delete of a stopped task returned %d", rec.Code)
	}
}

// uploadImage posts a generated PNG through the multipart endpoint.
func (e *testEnv) uploadImage(t *testing.T, taskID, filename string, w, h int) *httptest.ResponseRecorder {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write(pngBuf.Bytes()); err != nil {
		t.Fatalf("part.Write failed: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+taskID+"/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// TestUploadImage verifies a correctly sized image is installed and
// listed.
func TestUploadImage(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	rec := e.uploadImage(t, id, "frame.png", 4, 2)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Upload returned %d: %s", rec.Code, rec.Body.String())
	}

	got, err := e.store.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.ImageList) != 1 || got.ImageList[0] != "frame.png" {
		t.Errorf("Image not registered: %v", got.ImageList)
	}
	if _, err := os.Stat(filepath.Join(got.ImagesDir, "frame.png")); err != nil {
		t.Errorf("Image file not installed: %v", err)
	}
}

// TestUploadRejectsWrongResolution verifies resolution validation, and
// that a rejected upload leaves no file behind.
func TestUploadRejectsWrongResolution(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	rec := e.uploadImage(t, id, "big.png", 8, 8)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !strings.Contains(env.Message, "8x8") {
		t.Errorf("Expected resolution in message, got %q", env.Message)
	}

	got, _ := e.store.Get(id)
	entries, err := os.ReadDir(got.ImagesDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Rejected upload left files behind: %v", entries)
	}
}

// TestUploadRejectsUnsupportedFormat verifies the extension allow-list.
func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	rec := e.uploadImage(t, id, "frame.gif", 4, 2)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

// TestDeleteImageRefusesLast verifies the last-image guard surfaces as a
// client error.
func TestDeleteImageRefusesLast(t *testing.T) {
	e := newTestEnv(t)
	id := e.createTask(t)

	e.uploadImage(t, id, "a.png", 4, 2)
	e.uploadImage(t, id, "b.png", 4, 2)

	rec := e.do(t, http.MethodDelete, "/api/tasks/"+id+"/images/a.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Delete image returned %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := e.store.Get(id)
	if _, err := os.Stat(filepath.Join(got.ImagesDir, "a.png")); !os.IsNotExist(err) {
		t.Error("Image file still present after delete")
	}

	rec = e.do(t, http.MethodDelete, "/api/tasks/"+id+"/images/b.png", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for last image, got %d", rec.Code)
	}
}

// TestHealthEndpoint verifies the injected health report is served.
func TestHealthEndpoint(t *testing.T) {
	store, err := task.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	srv := NewServer(":0", store, newFakePumps(), func() map[string]any {
		return map[string]any{"status": "ok", "tasks_total": 7}
	}, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Health returned %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["tasks_total"].(float64) != 7 {
		t.Errorf("Unexpected health payload: %v", data)
	}
}
