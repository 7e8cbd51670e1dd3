package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s, dir
}

// TestCreateProvisionsTask verifies creation registers the task and
// provisions its image directory on disk.
func TestCreateProvisionsTask(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.Create("lobby", "rtsp://localhost:8554/lobby", 1280, 720)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected generated task ID")
	}
	if created.Status != StatusStopped {
		t.Errorf("Expected new task stopped, got %s", created.Status)
	}
	if fi, err := os.Stat(created.ImagesDir); err != nil || !fi.IsDir() {
		t.Errorf("Image directory not provisioned: %v", err)
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "lobby" || got.Width != 1280 || got.Height != 720 {
		t.Errorf("Stored task mismatch: %+v", got)
	}
}

// TestCreateRejectsDuplicateName verifies task names are unique.
func TestCreateRejectsDuplicateName(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Create("lobby", "rtsp://a", 640, 480); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create("lobby", "rtsp://b", 640, 480); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("Expected ErrDuplicateName, got %v", err)
	}
}

// TestGetReturnsCopy verifies callers cannot mutate registry state through
// a returned task.
func TestGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	created, _ := s.Create("lobby", "rtsp://a", 640, 480)
	s.SetImageList(created.ID, []string{"a.png"})

	got, _ := s.Get(created.ID)
	got.Name = "mutated"
	got.ImageList[0] = "mutated.png"

	again, _ := s.Get(created.ID)
	if again.Name != "lobby" || again.ImageList[0] != "a.png" {
		t.Errorf("Registry state leaked through a Get copy: %+v", again)
	}
}

// TestStatusResetOnReload verifies a reopened registry never claims a
// running stream: no pump survives a process restart.
func TestStatusResetOnReload(t *testing.T) {
	s, dir := newTestStore(t)
	created, _ := s.Create("lobby", "rtsp://a", 640, 480)
	if err := s.SetStatus(created.ID, StatusRunning); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reload failed: %v", err)
	}
	got, err := reloaded.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.Status != StatusStopped {
		t.Errorf("Expected status reset to stopped, got %s", got.Status)
	}
	if got.StreamURL != "rtsp://a" {
		t.Errorf("Configuration lost across reload: %+v", got)
	}
}

// TestRemoveImageRefusesLast verifies the last image of a task can never
// be removed.
func TestRemoveImageRefusesLast(t *testing.T) {
	s, _ := newTestStore(t)
	created, _ := s.Create("lobby", "rtsp://a", 640, 480)

	s.AddImage(created.ID, "a.png")
	s.AddImage(created.ID, "b.png")

	if err := s.RemoveImage(created.ID, "a.png"); err != nil {
		t.Fatalf("RemoveImage failed: %v", err)
	}
	if err := s.RemoveImage(created.ID, "b.png"); !errors.Is(err, ErrLastImage) {
		t.Fatalf("Expected ErrLastImage, got %v", err)
	}

	got, _ := s.Get(created.ID)
	if len(got.ImageList) != 1 || got.ImageList[0] != "b.png" {
		t.Errorf("Unexpected image list: %v", got.ImageList)
	}
}

// TestAddImageIsIdempotent verifies re-adding a filename does not
// duplicate it.
func TestAddImageIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	created, _ := s.Create("lobby", "rtsp://a", 640, 480)

	s.AddImage(created.ID, "a.png")
	s.AddImage(created.ID, "a.png")

	got, _ := s.Get(created.ID)
	if len(got.ImageList) != 1 {
		t.Errorf("Expected 1 image, got %v", got.ImageList)
	}
}

// TestDeleteRemovesTaskDirectory verifies deletion removes both the
// registry entry and the on-disk content.
func TestDeleteRemovesTaskDirectory(t *testing.T) {
	s, _ := newTestStore(t)
	created, _ := s.Create("lobby", "rtsp://a", 640, 480)
	taskDir := filepath.Dir(created.ImagesDir)

	if err := s.Delete(created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(taskDir); !os.IsNotExist(err) {
		t.Errorf("Task directory still present after delete: %v", err)
	}

	if err := s.Delete(created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on double delete, got %v", err)
	}
}

// TestListAllOrdersByCreation verifies a stable listing order.
func TestListAllOrdersByCreation(t *testing.T) {
	s, _ := newTestStore(t)
	for _, name := range []string{"zulu", "alpha", "mike"} {
		if _, err := s.Create(name, "rtsp://"+name, 640, 480); err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
	}

	all := s.ListAll()
	if len(all) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(all))
	}
	want := []string{"zulu", "alpha", "mike"}
	for i, name := range want {
		if all[i].Name != name {
			t.Errorf("Position %d: got %s, want %s", i, all[i].Name, name)
		}
	}
}

// TestPersistenceRoundTrip verifies tasks survive a close/reopen cycle
// with their image lists intact.
func TestPersistenceRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)
	created, _ := s.Create("lobby", "rtsp://a", 640, 480)
	s.SetImageList(created.ID, []string{"a.png", "b.png"})

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reload failed: %v", err)
	}
	got, err := reloaded.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if len(got.ImageList) != 2 {
		t.Errorf("Image list lost across reload: %v", got.ImageList)
	}
}
