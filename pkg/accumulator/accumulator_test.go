package accumulator

import (
	"testing"

	"github.com/homieagent/homie/pkg/bus"
)

func TestPushAndGetDebounceMs_CommandIsZero(t *testing.T) {
	a := New(3000)
	ms := a.PushAndGetDebounceMs(bus.IncomingMessage{ChatID: "c1", Text: "/status"}, 1000)
	if ms != 0 {
		t.Errorf("expected 0 debounce for command, got %d", ms)
	}
}

func TestPushAndGetDebounceMs_AttachmentIsZero(t *testing.T) {
	a := New(3000)
	msg := bus.IncomingMessage{ChatID: "c1", Text: "look", Attachments: []bus.Attachment{{Kind: "image"}}}
	if ms := a.PushAndGetDebounceMs(msg, 1000); ms != 0 {
		t.Errorf("expected 0 debounce with attachment, got %d", ms)
	}
}

func TestPushAndGetDebounceMs_MentionedGroupIsZero(t *testing.T) {
	a := New(3000)
	msg := bus.IncomingMessage{ChatID: "c1", Text: "hey", IsGroup: true, Mentioned: true}
	if ms := a.PushAndGetDebounceMs(msg, 1000); ms != 0 {
		t.Errorf("expected 0 debounce for mentioned group message, got %d", ms)
	}
}

func TestPushAndGetDebounceMs_FirstPushUsesConfigured(t *testing.T) {
	a := New(3000)
	msg := bus.IncomingMessage{ChatID: "c1", Text: "hi"}
	if ms := a.PushAndGetDebounceMs(msg, 1000); ms != 3000 {
		t.Errorf("expected configured debounce 3000 on first push, got %d", ms)
	}
}

func TestPushAndGetDebounceMs_SubsequentPushShrinksToElapsed(t *testing.T) {
	a := New(3000)
	msg := bus.IncomingMessage{ChatID: "c1", Text: "hi"}
	a.PushAndGetDebounceMs(msg, 1000)

	ms := a.PushAndGetDebounceMs(msg, 1500)
	if ms != 500 {
		t.Errorf("expected min(3000, 500)=500, got %d", ms)
	}
}

func TestDrain_ReturnsInOrderAndClears(t *testing.T) {
	a := New(3000)
	msg1 := bus.IncomingMessage{ChatID: "c1", Text: "one"}
	msg2 := bus.IncomingMessage{ChatID: "c1", Text: "two"}
	a.PushAndGetDebounceMs(msg1, 1000)
	a.PushAndGetDebounceMs(msg2, 1200)

	drained := a.Drain("c1")
	if len(drained) != 2 || drained[0].Text != "one" || drained[1].Text != "two" {
		t.Errorf("unexpected drain order: %+v", drained)
	}

	if again := a.Drain("c1"); len(again) != 0 {
		t.Errorf("expected empty buffer after drain, got %+v", again)
	}
}
