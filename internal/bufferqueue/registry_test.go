package bufferqueue

import (
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil queue, got %v", err)
	}
	for _, name := range []string{"video", "main", "camera"} {
		if err := r.Register(New(Config{Name: name})); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := r.Register(New(Config{Name: "main"})); !errors.Is(err, ErrQueueExists) {
		t.Fatalf("expected ErrQueueExists, got %v", err)
	}

	names := r.Names()
	want := []string{"camera", "main", "video"}
	if len(names) != len(want) {
		t.Fatalf("names got=%v want=%v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names got=%v want=%v", names, want)
		}
	}
	if qs := r.Queues(); len(qs) != 3 || qs[0].Name() != "camera" {
		t.Fatalf("unexpected queues ordering")
	}

	if _, err := r.Lookup("missing"); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	if q, ok := r.Resolve("main"); !ok || q.Name() != "main" {
		t.Fatalf("resolve main failed")
	}
}

func TestErrorKind(t *testing.T) {
	cases := map[error]string{
		nil:                 "ok",
		ErrWouldBlock:       "would_block",
		ErrStaleBufferSlot:  "stale_buffer_slot",
		errors.New("other"): "unknown",
	}
	for err, want := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v) got=%s want=%s", err, got, want)
		}
	}
}
