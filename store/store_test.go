package store

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/rushteam/riskrank/core"
)

func TestMemoryObjectStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjectStore()

	data := []byte("model")
	if err := s.PutObject(ctx, "models/a/v1/model.json", data); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	data[0] = 'X'
	_ = s.PutObject(ctx, "models/a/v1/metadata.json", []byte("{}"))
	_ = s.PutObject(ctx, "models/b/v1/model.json", []byte("b"))

	got, err := s.GetObject(ctx, "models/a/v1/model.json")
	if err != nil || string(got) != "model" {
		t.Fatalf("GetObject() = %q, %v; want model (stored copy)", got, err)
	}
	got[0] = 'Y'
	again, _ := s.GetObject(ctx, "models/a/v1/model.json")
	if string(again) != "model" {
		t.Errorf("returned slice aliases stored data: %q", again)
	}

	if _, err := s.GetObject(ctx, "missing"); !core.IsStoreNotFound(err) {
		t.Errorf("GetObject(missing) error = %v, want not found", err)
	}

	keys, err := s.ListObjects(ctx, "models/a/")
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}
	want := []string{"models/a/v1/metadata.json", "models/a/v1/model.json"}
	if !slices.Equal(keys, want) {
		t.Errorf("ListObjects() = %v, want %v", keys, want)
	}

	if err := s.DeleteObject(ctx, "models/a/v1/model.json"); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if err := s.DeleteObject(ctx, "models/a/v1/model.json"); err != nil {
		t.Errorf("DeleteObject(missing) error = %v, want nil", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	_ = s.Close()
	if err := s.PutObject(ctx, "k", nil); !core.IsStorageIO(err) {
		t.Errorf("PutObject after Close error = %v, want STORAGE_IO", err)
	}
}

func TestEscapeGlob(t *testing.T) {
	tests := []struct{ in, want string }{
		{"models/a/", "models/a/"},
		{"weird*[id]?", `weird\*\[id\]\?`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRedisObjectStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisObjectStore(ctx, "127.0.0.1:1", "", 0)
	if !core.IsStorageIO(err) {
		t.Fatalf("NewRedisObjectStore() error = %v, want STORAGE_IO", err)
	}
}
