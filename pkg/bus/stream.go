package bus

import (
	"sync"
	"time"
)

// StreamNotifier renders one turn's live progress to a channel adapter
// as the turn streams: phase markers ("drafting..."), tool-call
// activity ("using think..."), and the accumulating reply text, pushed
// to onUpdate at a throttled interval so a fast-ticking completion
// doesn't spam a channel's edit API.
type StreamNotifier struct {
	mu       sync.Mutex
	text     string
	phase    string
	toolNote string
	onUpdate func(rendered string)
	ticker   *time.Ticker
	done     chan struct{}
	dirty    bool
}

// NewStreamNotifier creates a notifier that calls onUpdate with the
// rendered progress every interval.
func NewStreamNotifier(interval time.Duration, onUpdate func(rendered string)) *StreamNotifier {
	sn := &StreamNotifier{
		onUpdate: onUpdate,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}

	go sn.loop()
	return sn
}

func (sn *StreamNotifier) loop() {
	for {
		select {
		case <-sn.ticker.C:
			sn.pushIfDirty()
		case <-sn.done:
			return
		}
	}
}

// Observe folds one turn StreamEvent into the notifier's render state.
// Only the kinds a live render has something useful to show for are
// handled; usage/meta/reset_stream events don't change what's rendered.
func (sn *StreamNotifier) Observe(ev StreamEvent) {
	sn.mu.Lock()
	switch ev.Kind {
	case EventTextDelta:
		sn.text += ev.Text
		sn.toolNote = ""
	case EventPhase:
		sn.phase = ev.Phase
	case EventToolCall:
		sn.toolNote = "using " + ev.Tool + "..."
	case EventToolResult:
		sn.toolNote = ""
	default:
		sn.mu.Unlock()
		return
	}
	sn.dirty = true
	sn.mu.Unlock()
}

// Append adds a raw text delta, for callers that only ever stream text
// (no phase/tool events to fold in).
func (sn *StreamNotifier) Append(delta string) {
	sn.Observe(StreamEvent{Kind: EventTextDelta, Text: delta})
}

// render picks what's worth showing right now: the reply text once any
// has arrived, otherwise the most recent tool or phase note.
func (sn *StreamNotifier) render() string {
	if sn.text != "" {
		return sn.text
	}
	if sn.toolNote != "" {
		return sn.toolNote
	}
	if sn.phase != "" {
		return sn.phase + "..."
	}
	return ""
}

func (sn *StreamNotifier) pushIfDirty() {
	sn.mu.Lock()
	if !sn.dirty {
		sn.mu.Unlock()
		return
	}
	rendered := sn.render()
	sn.dirty = false
	sn.mu.Unlock()
	if rendered != "" {
		sn.onUpdate(rendered)
	}
}

// Flush stops the ticker and performs a final push if there's unsent content.
func (sn *StreamNotifier) Flush() {
	sn.ticker.Stop()
	close(sn.done)
	sn.pushIfDirty()
}

// FullText returns the current accumulated reply text, ignoring any
// phase or tool note.
func (sn *StreamNotifier) FullText() string {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.text
}
