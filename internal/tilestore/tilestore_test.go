package tilestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkPutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(filepath.Join(dir, "tiles", "ds1"), "png")
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer s.Close()

	data := []byte("tile-bytes")
	if err := s.Put(3, 2, 1, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(3, 2, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
	if got, _ := s.Get(3, 2, 0); got != nil {
		t.Error("missing tile returned data")
	}

	want := filepath.Join(dir, "tiles", "ds1", "3", "2", "1.png")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("tile file %s missing: %v", want, err)
	}
}

func TestFileSinkIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir, "png")
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("same-bytes")
	if err := s.Put(1, 0, 0, data); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(1, 0, 0, data); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("double write left %q, want %q", got, data)
	}
}

func TestArchivePutGet(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(filepath.Join(dir, "ds1.mbtiles"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer a.Close()

	data := []byte{0x89, 'P', 'N', 'G'}
	if err := a.Put(5, 10, 20, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := a.Get(5, 10, 20)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %v, want %v", got, data)
	}
	if got, _ := a.Get(5, 10, 21); got != nil {
		t.Error("missing tile returned data")
	}
}

func TestArchiveInsertIgnore(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(filepath.Join(dir, "ds1.mbtiles"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	first := []byte("first")
	if err := a.Put(1, 2, 3, first); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(1, 2, 3, []byte("second")); err != nil {
		t.Fatal(err)
	}

	n, err := a.TileCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("TileCount = %d, want 1", n)
	}
	got, _ := a.Get(1, 2, 3)
	if !bytes.Equal(got, first) {
		t.Errorf("conflicting insert replaced row: got %q", got)
	}
}

func TestArchiveMetadataAndReset(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(filepath.Join(dir, "ds1.mbtiles"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	md := ArchiveMetadata{
		Name: "ds1", Description: "test", Format: "png",
		MinZoom: 0, MaxZoom: 5, Bounds: "-85 -180 85 180", Profile: "mercator",
	}
	if err := a.WriteMetadata(md); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	if err := a.Put(0, 0, 0, []byte("t")); err != nil {
		t.Fatal(err)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	n, _ := a.TileCount()
	if n != 0 {
		t.Errorf("TileCount after Reset = %d, want 0", n)
	}
}

func TestArchiveCompact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ds1.mbtiles")
	a, err := OpenArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(0, 0, 0, []byte("t")); err != nil {
		t.Fatal(err)
	}
	if err := a.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	// After compaction no WAL sidecars remain.
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			t.Errorf("sidecar %s%s still present after Compact", path, suffix)
		}
	}
}

func TestRegistryLifecycle(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegistry(filepath.Join(dir, "tiler.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer r.Close()

	id, existed, err := r.RegisterIfAbsent("job-1", "ds1", "a.tif", "{}")
	if err != nil {
		t.Fatalf("RegisterIfAbsent: %v", err)
	}
	if existed || id != "job-1" {
		t.Fatalf("first register = (%q, %v), want (job-1, false)", id, existed)
	}

	// A second launch for the same datasource returns the running id.
	id2, existed, err := r.RegisterIfAbsent("job-2", "ds1", "a.tif", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if !existed || id2 != "job-1" {
		t.Fatalf("second register = (%q, %v), want (job-1, true)", id2, existed)
	}

	// A different datasource is unaffected.
	id3, existed, err := r.RegisterIfAbsent("job-3", "ds2", "b.tif", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if existed || id3 != "job-3" {
		t.Fatalf("other datasource register = (%q, %v), want (job-3, false)", id3, existed)
	}

	if err := r.Finish("job-1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	running, err := r.RunningFor("ds1", "a.tif")
	if err != nil {
		t.Fatal(err)
	}
	if running != "" {
		t.Errorf("RunningFor after Finish = %q, want empty", running)
	}

	j, err := r.Get("job-1")
	if err != nil || j == nil {
		t.Fatalf("Get: %v, %v", j, err)
	}
	if j.Running || !j.Complete || j.FinishTime == nil {
		t.Errorf("finished job state = %+v", j)
	}
}

func TestRegistryReconcileStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiler.db")
	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.RegisterIfAbsent("job-1", "ds1", "a.tif", "{}"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.RegisterIfAbsent("job-2", "ds2", "b.tif", "{}"); err != nil {
		t.Fatal(err)
	}
	r.Close()

	// A fresh process reconciles crashed jobs.
	r2, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if err := r2.ReconcileStartup(); err != nil {
		t.Fatalf("ReconcileStartup: %v", err)
	}
	for _, ds := range []string{"ds1", "ds2"} {
		dataset := map[string]string{"ds1": "a.tif", "ds2": "b.tif"}[ds]
		if id, _ := r2.RunningFor(ds, dataset); id != "" {
			t.Errorf("datasource %s still has running job %q after reconcile", ds, id)
		}
	}
}
