package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

// fakeStore records puts in memory.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if f.failKey != "" && filepath.Base(key) == f.failKey {
		return errors.New("injected put failure")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUpload(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "job-abc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTree(t, dir, map[string]string{
		"script":              "#!/bin/sh\ntrue\n",
		"stdout.log":          "done\n",
		"results.json":        `{"results":"x"}`,
		"artifacts/carbon.tif": "raster",
	})

	fake := newFakeStore()
	u := NewUploader(fake, "models", "workspaces")

	addr, err := u.Upload(context.Background(), dir)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if addr != "s3://models/workspaces/job-abc" {
		t.Errorf("unexpected address %s", addr)
	}

	want := []string{
		"workspaces/job-abc/artifacts/carbon.tif",
		"workspaces/job-abc/results.json",
		"workspaces/job-abc/script",
		"workspaces/job-abc/stdout.log",
	}
	got := fake.keys()
	if len(got) != len(want) {
		t.Fatalf("expected %d objects, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestUpload_PutFailure(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "job-abc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTree(t, dir, map[string]string{"stderr.log": "boom"})

	fake := newFakeStore()
	fake.failKey = "stderr.log"
	u := NewUploader(fake, "models", "workspaces")

	if _, err := u.Upload(context.Background(), dir); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestUpload_Idempotent(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "job-abc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTree(t, dir, map[string]string{"results.json": `{"a":1}`})

	fake := newFakeStore()
	u := NewUploader(fake, "models", "workspaces")

	if _, err := u.Upload(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	writeTree(t, dir, map[string]string{"results.json": `{"a":2}`})
	if _, err := u.Upload(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	got := string(fake.objects["workspaces/job-abc/results.json"])
	if got != `{"a":2}` {
		t.Errorf("expected overwrite on re-upload, got %s", got)
	}
}
