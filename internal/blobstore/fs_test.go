package blobstore

import (
	"context"
	"testing"
	"time"

	"gemdex/internal/models"
)

func testFS(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestFSPutGetDelete(t *testing.T) {
	fs := testFS(t)
	ctx := context.Background()

	if _, err := fs.Get(ctx, Container, "missing.json"); err != ErrNotFound {
		t.Fatalf("Get on missing = %v, want ErrNotFound", err)
	}

	if err := fs.Put(ctx, Container, "a.json", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	data, err := fs.Get(ctx, Container, "a.json")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"x":1}` {
		t.Errorf("data = %s", data)
	}

	// Overwrite replaces the whole object.
	if err := fs.Put(ctx, Container, "a.json", []byte(`{"x":2}`)); err != nil {
		t.Fatal(err)
	}
	data, _ = fs.Get(ctx, Container, "a.json")
	if string(data) != `{"x":2}` {
		t.Errorf("after overwrite = %s", data)
	}

	if err := fs.Delete(ctx, Container, "a.json"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Get(ctx, Container, "a.json"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	// Deleting a missing object is not an error.
	if err := fs.Delete(ctx, Container, "a.json"); err != nil {
		t.Errorf("second delete = %v", err)
	}
}

func TestWatermarksRoundTrip(t *testing.T) {
	marks := NewWatermarks(testFS(t))
	ctx := context.Background()

	wm, err := marks.Load(ctx, "brilliantco")
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Fatalf("fresh feed watermark = %+v, want nil", wm)
	}

	saved := models.Watermark{
		FeedID:             "brilliantco",
		LastUpdatedAt:      time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		LastRunID:          "run-1",
		LastRunCompletedAt: time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC),
	}
	if err := marks.Save(ctx, saved); err != nil {
		t.Fatal(err)
	}

	loaded, err := marks.Load(ctx, "brilliantco")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected a watermark after save")
	}
	if !loaded.LastUpdatedAt.Equal(saved.LastUpdatedAt) || loaded.LastRunID != "run-1" {
		t.Errorf("loaded = %+v", loaded)
	}

	// Feeds are isolated blobs.
	other, err := marks.Load(ctx, "gemcargo")
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Errorf("gemcargo watermark = %+v, want nil", other)
	}

	if err := marks.Delete(ctx, "brilliantco"); err != nil {
		t.Fatal(err)
	}
	wm, err = marks.Load(ctx, "brilliantco")
	if err != nil || wm != nil {
		t.Errorf("after delete: wm=%+v err=%v, want nil/nil", wm, err)
	}
}

func TestWatermarkLoadRejectsCorruptBlob(t *testing.T) {
	fs := testFS(t)
	marks := NewWatermarks(fs)
	ctx := context.Background()

	if err := fs.Put(ctx, Container, "bad.json", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := marks.Load(ctx, "bad"); err == nil {
		t.Fatal("expected decode error for corrupt watermark")
	}
}
