// Package accumulator debounces bursts of incoming messages on the same
// chat into a single logical turn.
package accumulator

import (
	"strings"
	"sync"
	"time"

	"github.com/homieagent/homie/pkg/bus"
)

const maxDebounce = 10 * time.Second

// MessageAccumulator buffers per-chat in-flight incoming messages and
// computes the debounce delay before a turn should be drawn.
type MessageAccumulator struct {
	mu          sync.Mutex
	buffers     map[string][]bus.IncomingMessage
	lastPushMs  map[string]int64
	debounceMs  int64
}

// New constructs an accumulator with the configured base debounce delay.
func New(debounceMs int64) *MessageAccumulator {
	return &MessageAccumulator{
		buffers:    make(map[string][]bus.IncomingMessage),
		lastPushMs: make(map[string]int64),
		debounceMs: debounceMs,
	}
}

// PushAndGetDebounceMs appends msg to its chat's buffer and returns the
// debounce delay in milliseconds that should elapse before draining,
// clamped to [0, 10s]. Callers must serialize pushes/drains for the same
// chat via an enclosing PerKeyLock.
func (a *MessageAccumulator) PushAndGetDebounceMs(msg bus.IncomingMessage, nowMs int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffers[msg.ChatID] = append(a.buffers[msg.ChatID], msg)
	last, seen := a.lastPushMs[msg.ChatID]
	a.lastPushMs[msg.ChatID] = nowMs

	switch {
	case strings.HasPrefix(msg.Text, "/"):
		return 0
	case len(msg.Attachments) > 0:
		return 0
	case msg.IsGroup && msg.Mentioned:
		return 0
	}

	maxMs := int64(maxDebounce / time.Millisecond)

	elapsed := maxMs
	if seen {
		elapsed = nowMs - last
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > maxMs {
			elapsed = maxMs
		}
	}

	delay := a.debounceMs
	if elapsed < delay {
		delay = elapsed
	}
	if delay < 0 {
		delay = 0
	}
	if delay > maxMs {
		delay = maxMs
	}
	return delay
}

// Drain returns the buffered messages for chatId in arrival order and
// clears the buffer.
func (a *MessageAccumulator) Drain(chatID string) []bus.IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	msgs := a.buffers[chatID]
	delete(a.buffers, chatID)
	return msgs
}

// HasBuffered reports whether chatId has any message waiting to be
// drained, without draining it. A completion in flight uses this to
// decide, once it resolves, whether a strictly newer message arrived
// while it was running and its draft should be discarded as stale.
func (a *MessageAccumulator) HasBuffered(chatID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[chatID]) > 0
}
