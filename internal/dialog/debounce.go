package dialog

import (
	"strings"
	"sync"
	"time"
)

// Debounce defaults: post-tool fragments are concatenated until
// QuietWindow passes with no new fragment, capped at MaxWindow total so a
// chatty caller can't stall the turn indefinitely.
const (
	DebounceQuietWindow = 1500 * time.Millisecond
	DebounceMaxWindow   = 5000 * time.Millisecond
)

// Debouncer buffers transcription fragments arriving in a burst (multiple
// STT partials for what is really one user turn) and fires once with the
// concatenated text, either after QuietWindow of silence or at MaxWindow,
// whichever comes first.
type Debouncer struct {
	mu          sync.Mutex
	quietWindow time.Duration
	maxWindow   time.Duration
	onFire      func(text string)

	buffer   []string
	deadline time.Time
	timer    *time.Timer
}

// NewDebouncer builds a Debouncer that calls onFire exactly once per burst.
func NewDebouncer(quietWindow, maxWindow time.Duration, onFire func(text string)) *Debouncer {
	return &Debouncer{quietWindow: quietWindow, maxWindow: maxWindow, onFire: onFire}
}

// Add appends fragment to the current burst, resetting the quiet timer
// (clamped so it never fires past the hard maxWindow deadline).
func (d *Debouncer) Add(fragment string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.buffer) == 0 {
		d.deadline = time.Now().Add(d.maxWindow)
	}
	d.buffer = append(d.buffer, fragment)

	if d.timer != nil {
		d.timer.Stop()
	}
	wait := d.quietWindow
	if remaining := time.Until(d.deadline); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	d.timer = time.AfterFunc(wait, d.flush)
}

// Active reports whether a burst is currently buffering.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer) > 0
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	text := strings.Join(d.buffer, " ")
	d.buffer = nil
	d.timer = nil
	d.mu.Unlock()

	if strings.TrimSpace(text) != "" {
		d.onFire(text)
	}
}
