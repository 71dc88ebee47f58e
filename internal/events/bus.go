// Package events carries change notifications between the writers of
// extraction and chat state and the realtime fan-out, over NATS.
//
// Subjects:
//
//	idobata.extractions.{new|update}.{theme_id}.{thread_id}
//	idobata.threads.{thread_id}.extractions
//	idobata.chat.{theme_id}.{thread_id}.{sentence|clear}
//
// A missing thread id is encoded as "_".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

const (
	root     = "idobata"
	noThread = "_"
)

// Extraction event kinds.
const (
	KindNew    = "new"
	KindUpdate = "update"
)

// ExtractionEvent reports a problem or solution created or changed.
type ExtractionEvent struct {
	Kind     string         `json:"kind"`
	Type     store.ItemType `json:"type"`
	ThemeID  string         `json:"themeId"`
	ThreadID string         `json:"threadId,omitempty"`
	Item     store.Item     `json:"data"`
}

// ThreadSnapshot lists every item extracted from a thread so far.
type ThreadSnapshot struct {
	ThreadID  string       `json:"threadId"`
	Problems  []store.Item `json:"problems"`
	Solutions []store.Item `json:"solutions"`
}

// ChatSentence is one streamed sentence of an assistant reply.
type ChatSentence struct {
	ThemeID   string    `json:"themeId"`
	ThreadID  string    `json:"threadId"`
	Sentence  string    `json:"sentence"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatClear tells clients to discard a partially streamed reply.
type ChatClear struct {
	ThemeID   string    `json:"themeId"`
	ThreadID  string    `json:"threadId"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives decoded events from Subscribe.
type Handler interface {
	OnExtraction(ExtractionEvent)
	OnThreadSnapshot(ThreadSnapshot)
	OnChatSentence(ChatSentence)
	OnChatClear(ChatClear)
}

// Bus publishes and subscribes to idobata subjects on a NATS connection.
type Bus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewBus wraps nc.
func NewBus(nc *nats.Conn, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{nc: nc, logger: logger.Named("events")}
}

func token(id string) string {
	if id == "" {
		return noThread
	}
	return id
}

// ExtractionSubject returns the subject for an extraction event.
func ExtractionSubject(kind, themeID, threadID string) string {
	return fmt.Sprintf("%s.extractions.%s.%s.%s", root, kind, token(themeID), token(threadID))
}

// ThreadSnapshotSubject returns the subject for a thread snapshot.
func ThreadSnapshotSubject(threadID string) string {
	return fmt.Sprintf("%s.threads.%s.extractions", root, threadID)
}

// ChatSubject returns the subject for chat stream events.
func ChatSubject(themeID, threadID, event string) string {
	return fmt.Sprintf("%s.chat.%s.%s.%s", root, token(themeID), token(threadID), event)
}

// ThreadSubjects returns the wildcard subjects carrying every event that
// concerns one thread.
func ThreadSubjects(threadID string) []string {
	return []string{
		fmt.Sprintf("%s.extractions.*.*.%s", root, threadID),
		ThreadSnapshotSubject(threadID),
		fmt.Sprintf("%s.chat.*.%s.*", root, threadID),
	}
}

func (b *Bus) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	logging.For(ctx, b.logger).Debug("event published", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}

// PublishExtraction announces a new or updated item.
func (b *Bus) PublishExtraction(ctx context.Context, ev ExtractionEvent) error {
	if ev.Kind != KindNew && ev.Kind != KindUpdate {
		return fmt.Errorf("unknown extraction kind %q", ev.Kind)
	}
	return b.publish(ctx, ExtractionSubject(ev.Kind, ev.ThemeID, ev.ThreadID), ev)
}

// PublishThreadSnapshot announces the full extraction state of a thread.
func (b *Bus) PublishThreadSnapshot(ctx context.Context, snap ThreadSnapshot) error {
	return b.publish(ctx, ThreadSnapshotSubject(snap.ThreadID), snap)
}

// PublishChatSentence announces a streamed sentence.
func (b *Bus) PublishChatSentence(ctx context.Context, ev ChatSentence) error {
	return b.publish(ctx, ChatSubject(ev.ThemeID, ev.ThreadID, "sentence"), ev)
}

// PublishChatClear announces that a reply stream restarted.
func (b *Bus) PublishChatClear(ctx context.Context, ev ChatClear) error {
	return b.publish(ctx, ChatSubject(ev.ThemeID, ev.ThreadID, "clear"), ev)
}

// Subscribe delivers every idobata event to h until the returned stop
// function is called. Undecodable messages are logged and dropped.
func (b *Bus) Subscribe(h Handler) (stop func() error, err error) {
	sub, err := b.nc.Subscribe(root+".>", func(msg *nats.Msg) {
		if err := Dispatch(msg.Subject, msg.Data, h); err != nil {
			b.logger.Warn("dropping event", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", root, err)
	}
	return sub.Unsubscribe, nil
}

// Client-facing event names.
const (
	EventNewExtraction    = "new-extraction"
	EventExtractionUpdate = "extraction-update"
	EventThreadSnapshot   = "extraction_update"
	EventChatSentence     = "chat-response-sentence"
	EventChatClear        = "chat-response-clear"
)

// EventName maps a subject to the event name clients know it by, or "".
func EventName(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != root {
		return ""
	}
	last := parts[len(parts)-1]
	switch {
	case parts[1] == "extractions" && parts[2] == KindNew:
		return EventNewExtraction
	case parts[1] == "extractions" && parts[2] == KindUpdate:
		return EventExtractionUpdate
	case parts[1] == "threads" && last == "extractions":
		return EventThreadSnapshot
	case parts[1] == "chat" && last == "sentence":
		return EventChatSentence
	case parts[1] == "chat" && last == "clear":
		return EventChatClear
	}
	return ""
}

// SubscribeThread calls fn with the event name and raw payload of every
// event concerning threadID, until stop is called.
func (b *Bus) SubscribeThread(threadID string, fn func(event string, data []byte)) (stop func() error, err error) {
	if threadID == "" || strings.ContainsAny(threadID, ".*> ") {
		return nil, fmt.Errorf("invalid thread id %q", threadID)
	}
	var subs []*nats.Subscription
	stop = func() error {
		var first error
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	for _, subject := range ThreadSubjects(threadID) {
		sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			if name := EventName(msg.Subject); name != "" {
				fn(name, msg.Data)
			}
		})
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := b.nc.Flush(); err != nil {
		stop()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return stop, nil
}

// Dispatch decodes one message by subject and calls the matching handler
// method.
func Dispatch(subject string, data []byte, h Handler) error {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != root {
		return fmt.Errorf("unexpected subject %q", subject)
	}
	switch {
	case parts[1] == "extractions":
		var ev ExtractionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		h.OnExtraction(ev)
	case parts[1] == "threads" && parts[len(parts)-1] == "extractions":
		var snap ThreadSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		h.OnThreadSnapshot(snap)
	case parts[1] == "chat" && parts[len(parts)-1] == "sentence":
		var ev ChatSentence
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		h.OnChatSentence(ev)
	case parts[1] == "chat" && parts[len(parts)-1] == "clear":
		var ev ChatClear
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		h.OnChatClear(ev)
	default:
		return fmt.Errorf("unhandled subject %q", subject)
	}
	return nil
}
