// Package cli adapts a local terminal to the engine's bus.MessageBus,
// for running and testing Homie without a messaging platform attached.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/homieagent/homie/pkg/bus"
	"github.com/homieagent/homie/pkg/logger"
)

const component = "adapters.cli"
const channelName = "cli"
const operatorID = "operator"

// Adapter reads lines from stdin as a single operator DM and prints
// outgoing actions to stdout.
type Adapter struct {
	msgBus *bus.MessageBus
	chatID string
	rl     *readline.Instance
}

// New constructs a CLI adapter addressed as "cli:<slot>".
func New(slot string, msgBus *bus.MessageBus) (*Adapter, error) {
	rl, err := readline.New("homie> ")
	if err != nil {
		return nil, fmt.Errorf("creating readline instance: %w", err)
	}
	return &Adapter{msgBus: msgBus, chatID: "cli:" + slot, rl: rl}, nil
}

// Run reads lines until ctx is cancelled, EOF, or the user interrupts.
// It blocks; the caller should run it under lifecycle.Go.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.rl.Close()

	outbound := a.msgBus.SubscribeOutbound(channelName, 16)
	go a.pumpOutbound(ctx, outbound)

	seq := 0
	for {
		line, err := a.rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seq++
		a.msgBus.PublishInbound(bus.IncomingMessage{
			Channel:           channelName,
			ChatID:            a.chatID,
			MessageID:         fmt.Sprintf("%s:%d", a.chatID, seq),
			AuthorID:          operatorID,
			AuthorDisplayName: operatorID,
			Text:              line,
			IsGroup:           false,
			Mentioned:         true,
			IsOperator:        true,
			TimestampMs:       nowMs(),
		})

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (a *Adapter) pumpOutbound(ctx context.Context, actions <-chan bus.OutgoingAction) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			a.print(action)
		}
	}
}

// RenderStreamDelta overwrites the current terminal line with the
// completion's accumulated text so far, the same rewrite-in-place
// rendering the teacher's bus.StreamNotifier callback drove for its own
// terminal output. The final send_text action, printed by print below,
// supersedes this line once the turn finishes.
func (a *Adapter) RenderStreamDelta(fullText string) {
	fmt.Fprintf(a.rl.Stdout(), "\r\033[2Khomie (typing): %s", fullText)
}

func (a *Adapter) print(action bus.OutgoingAction) {
	switch action.Kind {
	case bus.ActionSendText:
		fmt.Fprintf(a.rl.Stdout(), "\r\033[2Khomie: %s\n", action.Text)
	case bus.ActionReact:
		fmt.Fprintf(a.rl.Stdout(), "homie reacts: %s\n", action.Emoji)
	case bus.ActionSendAudio:
		fmt.Fprintf(a.rl.Stdout(), "homie sends a voice note (%s)\n", action.Filename)
	case bus.ActionSilence:
		logger.DebugCF(component, "turn resolved to silence", map[string]interface{}{"reason": action.Reason})
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
