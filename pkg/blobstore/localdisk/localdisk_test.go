package localdisk

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestPutUploadOpenDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "uploads"), filepath.Join(dir, "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	handle, err := s.PutUpload(ctx, bytes.NewBufferString("hello"), ".csv")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(handle) != ".csv" {
		t.Fatalf("expected handle to preserve extension, got %q", handle)
	}

	rc, err := s.Open(ctx, handle)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := ioutil.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if err := s.Delete(ctx, handle); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(ctx, handle); err == nil {
		t.Fatal("expected error opening a deleted handle")
	}
	if err := s.Delete(ctx, handle); err != nil {
		t.Fatalf("deleting an absent handle should be a no-op, got %v", err)
	}
}

func TestPutScriptVersioning(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "uploads"), filepath.Join(dir, "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	h1, err := s.PutScript(ctx, bytes.NewBufferString("v1"), "fn1", 100, ".py")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.PutScript(ctx, bytes.NewBufferString("v2"), "fn1", 200, ".py")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct handles for distinct script versions")
	}

	for h, want := range map[string]string{h1: "v1", h2: "v2"} {
		rc, err := s.Open(ctx, h)
		if err != nil {
			t.Fatal(err)
		}
		got, _ := ioutil.ReadAll(rc)
		rc.Close()
		if string(got) != want {
			t.Fatalf("handle %q: got %q, want %q", h, got, want)
		}
	}
}
