package blob

import (
	"context"
	"errors"
	"testing"
)

func TestKey(t *testing.T) {
	got := Key("v1", "abc-123", 7)
	want := "replay/v1/abc-123/chunk/00000007.json"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
	if Key("v1", "s", 12345678) != "replay/v1/s/chunk/12345678.json" {
		t.Errorf("eight-digit seq should not grow padding")
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	key := Key("v1", "sess-1", 0)

	if err := s.Put(ctx, key, []byte(`{"events":[]}`), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"events":[]}` {
		t.Errorf("Get = %q", data)
	}
}

func TestLocalStore_PutOverwrites(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	ctx := context.Background()
	key := Key("v1", "sess-1", 3)

	if err := s.Put(ctx, key, []byte("first"), "application/json"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, key, []byte("retry"), "application/json"); err != nil {
		t.Fatal(err)
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "retry" {
		t.Errorf("retry should overwrite, got %q", data)
	}
}

func TestLocalStore_Missing(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	if _, err := s.Get(context.Background(), Key("v1", "nope", 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	if err := s.Put(context.Background(), "../escape.json", []byte("x"), "application/json"); err == nil {
		t.Error("traversal key should be rejected")
	}
}
