package moderation

import (
	"fmt"
	"testing"
	"time"
)

func TestWindow_Wraparound(t *testing.T) {
	w := newWindow(4)
	base := time.Unix(0, 0)

	// Add 7 entries; the window holds only 4.
	for i := 1; i <= 7; i++ {
		w.add(entry{text: fmt.Sprintf("msg-%d", i), at: base.Add(time.Duration(i) * time.Second)})
	}

	got := w.entries()
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	for i, e := range got {
		expected := fmt.Sprintf("msg-%d", i+4)
		if e.text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, e.text)
		}
	}
	if w.oldest().text != "msg-4" || w.newest().text != "msg-7" {
		t.Errorf("unexpected oldest/newest: %q/%q", w.oldest().text, w.newest().text)
	}
}

func TestWindow_Uniform(t *testing.T) {
	w := newWindow(4)
	if w.uniform() {
		t.Fatal("empty window must not be uniform")
	}
	for i := 0; i < 4; i++ {
		w.add(entry{text: "same"})
	}
	if !w.full() || !w.uniform() {
		t.Fatal("expected a full uniform window")
	}
	w.add(entry{text: "different"})
	if w.uniform() {
		t.Fatal("expected window to stop being uniform")
	}
}

func TestWindow_Reset(t *testing.T) {
	w := newWindow(4)
	w.add(entry{text: "a"})
	w.add(entry{text: "b"})
	w.reset()

	if w.len() != 0 || len(w.entries()) != 0 {
		t.Fatalf("expected empty window after reset, got %d", w.len())
	}
	w.add(entry{text: "c"})
	if w.oldest().text != "c" || w.newest().text != "c" {
		t.Errorf("unexpected contents after reset: %+v", w.entries())
	}
}
