// Package signal bridges a signal-cli-rest-api instance (the de facto
// standard self-hosted Signal bridge) to the engine's bus.MessageBus: a
// websocket stream of received envelopes in, REST sends out.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homieagent/homie/pkg/bus"
	"github.com/homieagent/homie/pkg/logger"
)

const component = "adapters.signal"
const channelName = "signal"

// Adapter owns the websocket receive connection and the REST client used
// to send messages back through signal-cli-rest-api.
type Adapter struct {
	endpoint string // e.g. "http://localhost:8080"
	number   string // the bot's own registered E.164 number
	msgBus   *bus.MessageBus
	http     *http.Client
}

// New constructs a Signal adapter. endpoint is the base HTTP URL of the
// signal-cli-rest-api instance; number is the bot's own E.164 number.
func New(endpoint, number string, msgBus *bus.MessageBus) *Adapter {
	return &Adapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		number:   number,
		msgBus:   msgBus,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope mirrors signal-cli-rest-api's websocket receive payload
// closely enough to extract what the engine needs; unrecognized fields
// are ignored rather than rejected.
type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceName   string `json:"sourceName"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Run connects to the receive websocket and republishes every text
// message as a bus.IncomingMessage until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	wsURL, err := a.receiveURL()
	if err != nil {
		return err
	}

	outbound := a.msgBus.SubscribeOutbound(channelName, 16)
	go a.pumpOutbound(ctx, outbound)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := a.receiveLoop(ctx, wsURL); err != nil {
			logger.WarnCF(component, "receive loop ended, reconnecting", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (a *Adapter) receiveURL() (string, error) {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing signal endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/v1/receive/%s", a.number)
	return u.String(), nil
}

func (a *Adapter) receiveLoop(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing signal receive socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.handlePayload(payload)
	}
}

func (a *Adapter) handlePayload(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.WarnCF(component, "failed to decode signal envelope", map[string]interface{}{"error": err.Error()})
		return
	}
	if env.Envelope.DataMessage == nil || env.Envelope.DataMessage.Message == "" {
		return
	}

	isGroup := env.Envelope.DataMessage.GroupInfo != nil
	chatID := "signal:dm:" + env.Envelope.Source
	if isGroup {
		chatID = "signal:group:" + env.Envelope.DataMessage.GroupInfo.GroupID
	}

	a.msgBus.PublishInbound(bus.IncomingMessage{
		Channel:           channelName,
		ChatID:            chatID,
		MessageID:         fmt.Sprintf("%s:%d", env.Envelope.Source, env.Envelope.Timestamp),
		AuthorID:          env.Envelope.Source,
		AuthorDisplayName: env.Envelope.SourceName,
		Text:              env.Envelope.DataMessage.Message,
		IsGroup:           isGroup,
		Mentioned:         !isGroup,
		IsOperator:        false,
		TimestampMs:       env.Envelope.Timestamp,
	})
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
			a.send(ctx, action)
		}
	}
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

func (a *Adapter) send(ctx context.Context, action bus.OutgoingAction) {
	var text string
	switch action.Kind {
	case bus.ActionSendText:
		text = action.Text
	case bus.ActionReact:
		// Sent as a plain text message holding the emoji; the action's
		// TargetTimestampMs and TargetAuthorID are not used, so no Signal
		// reaction is attached to the original message.
		text = action.Emoji
	default:
		return
	}

	recipient, isGroup := recipientFromChatID(action.ChatID)
	if recipient == "" {
		return
	}

	req := sendRequest{Message: text, Number: a.number}
	if isGroup {
		req.Recipients = []string{recipient}
	} else {
		req.Recipients = []string{recipient}
	}

	body, err := json.Marshal(req)
	if err != nil {
		logger.WarnCF(component, "failed to encode signal send request", map[string]interface{}{"error": err.Error()})
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/v2/send", bytes.NewReader(body))
	if err != nil {
		logger.WarnCF(component, "failed to build signal send request", map[string]interface{}{"error": err.Error()})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		logger.WarnCF(component, "failed to send signal message", map[string]interface{}{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.WarnCF(component, "signal send returned non-2xx", map[string]interface{}{"status": resp.StatusCode})
	}
}

func recipientFromChatID(chatID string) (recipient string, isGroup bool) {
	switch {
	case strings.HasPrefix(chatID, "signal:dm:"):
		return strings.TrimPrefix(chatID, "signal:dm:"), false
	case strings.HasPrefix(chatID, "signal:group:"):
		return strings.TrimPrefix(chatID, "signal:group:"), true
	default:
		return "", false
	}
}
