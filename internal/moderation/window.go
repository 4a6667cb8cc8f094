package moderation

import "time"

// entry is one remembered message in a sender's window.
type entry struct {
	text string
	at   time.Time
}

// window is a fixed-size circular buffer of a sender's most recent messages.
// When full, appending overwrites the oldest entry.
type window struct {
	items []entry
	pos   int
	count int
}

func newWindow(capacity int) *window {
	return &window{items: make([]entry, capacity)}
}

// add appends an entry, evicting the oldest one if the window is full.
func (w *window) add(e entry) {
	w.items[w.pos] = e
	w.pos = (w.pos + 1) % len(w.items)
	if w.count < len(w.items) {
		w.count++
	}
}

// oldest returns the least recent entry. The window must not be empty.
func (w *window) oldest() entry {
	start := (w.pos - w.count + len(w.items)) % len(w.items)
	return w.items[start]
}

// newest returns the most recent entry. The window must not be empty.
func (w *window) newest() entry {
	return w.items[(w.pos-1+len(w.items))%len(w.items)]
}

// entries returns the window contents in chronological order (oldest first).
func (w *window) entries() []entry {
	out := make([]entry, w.count)
	start := (w.pos - w.count + len(w.items)) % len(w.items)
	for i := 0; i < w.count; i++ {
		out[i] = w.items[(start+i)%len(w.items)]
	}
	return out
}

// full reports whether the window holds capacity entries.
func (w *window) full() bool {
	return w.count == len(w.items)
}

// uniform reports whether every entry carries the same text.
func (w *window) uniform() bool {
	if w.count == 0 {
		return false
	}
	first := w.oldest().text
	for _, e := range w.entries() {
		if e.text != first {
			return false
		}
	}
	return true
}

func (w *window) reset() {
	w.pos = 0
	w.count = 0
}

func (w *window) len() int { return w.count }
