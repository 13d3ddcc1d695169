package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type fakeStore struct {
	objects map[string]Object
	bodies  map[string]string
	meta    map[string]Metadata
	puts    int
	putErr  error
	headErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]Object{}, bodies: map[string]string{}, meta: map[string]Metadata{}}
}

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, size int64, meta Metadata) error {
	if f.putErr != nil {
		return f.putErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	f.puts++
	f.objects[key] = Object{Key: key, Size: size, SHA256: meta.SHA256}
	f.bodies[key] = buf.String()
	f.meta[key] = meta
	return nil
}

func (f *fakeStore) Head(_ context.Context, key string) (Object, error) {
	if f.headErr != nil {
		return Object{}, f.headErr
	}
	obj, ok := f.objects[key]
	if !ok {
		return Object{}, ErrObjectNotFound
	}
	return obj, nil
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestPublisherUploadsArtifacts(t *testing.T) {
	dir := t.TempDir()
	fm := writeFile(t, dir, "file_map.json", `{"a.fits":"/out/a"}`)
	conf := writeFile(t, dir, "linmos.conf", "linmos.names = [a]\n")
	script := writeFile(t, dir, "linmos.sh", "#!/bin/bash\n")

	store := newFakeStore()
	pub, err := NewPublisher(store, nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	keys, err := pub.Publish(context.Background(), "run-1", fm, conf, "", script)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"runs/run-1/file_map.json", "runs/run-1/linmos.conf", "runs/run-1/linmos.sh"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %q want %q", i, keys[i], want[i])
		}
	}
	if store.meta[want[0]].ContentType != "application/json" || store.meta[want[2]].ContentType != "text/x-shellscript" {
		t.Fatalf("unexpected content types: %+v", store.meta)
	}
	if store.meta[want[1]].RunID != "run-1" || len(store.meta[want[1]].SHA256) != 64 {
		t.Fatalf("unexpected metadata: %+v", store.meta[want[1]])
	}
	if store.bodies[want[1]] != "linmos.names = [a]\n" || store.objects[want[1]].Size != int64(len(store.bodies[want[1]])) {
		t.Fatalf("unexpected object: %+v", store.objects[want[1]])
	}
}

func TestPublisherSkipsUnchangedArtifacts(t *testing.T) {
	dir := t.TempDir()
	conf := writeFile(t, dir, "linmos.conf", "linmos.names = [a]\n")
	store := newFakeStore()
	pub, _ := NewPublisher(store, nil)

	for i := 0; i < 2; i++ {
		if _, err := pub.Publish(context.Background(), "run-1", conf); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}
	if store.puts != 1 {
		t.Fatalf("puts = %d, want 1", store.puts)
	}

	writeFile(t, dir, "linmos.conf", "linmos.names = [a, b]\n")
	if _, err := pub.Publish(context.Background(), "run-1", conf); err != nil {
		t.Fatalf("Publish changed: %v", err)
	}
	if store.puts != 2 || store.bodies["runs/run-1/linmos.conf"] != "linmos.names = [a, b]\n" {
		t.Fatalf("changed artifact not uploaded: puts=%d", store.puts)
	}
}

func TestPublisherErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewPublisher(nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	failing := newFakeStore()
	failing.putErr = errors.New("denied")
	pub, err := NewPublisher(failing, nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if _, err := pub.Publish(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error for empty run id")
	}
	if _, err := pub.Publish(context.Background(), "r", filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	f := writeFile(t, dir, "file_map.json", "{}")
	if _, err := pub.Publish(context.Background(), "r", f); err == nil {
		t.Fatalf("expected store error")
	}

	unreachable := newFakeStore()
	unreachable.headErr = errors.New("connection refused")
	pub, _ = NewPublisher(unreachable, nil)
	if _, err := pub.Publish(context.Background(), "r", f); err == nil || unreachable.puts != 0 {
		t.Fatalf("expected head error without upload, err=%v puts=%d", err, unreachable.puts)
	}
}

func TestUserMetaIgnoresCase(t *testing.T) {
	meta := map[string]string{"X-Amz-Meta-Sha256": "abc", "Run-Id": "r1"}
	if got := userMeta(meta, metaSHA256); got != "abc" {
		t.Fatalf("sha = %q", got)
	}
	if got := userMeta(meta, metaRunID); got != "r1" {
		t.Fatalf("run id = %q", got)
	}
	if got := userMeta(meta, "Missing"); got != "" {
		t.Fatalf("missing = %q", got)
	}
}
