package realtime

import (
	"time"

	"github.com/digitaldemocracy2030/idobata/internal/events"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

var _ events.Handler = (*Hub)(nil)

type extractionPayload struct {
	Type store.ItemType `json:"type"`
	Data store.Item     `json:"data"`
}

type sentencePayload struct {
	Sentence  string    `json:"sentence"`
	Timestamp time.Time `json:"timestamp"`
}

type clearPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type threadExtractions struct {
	Problems  []store.Item `json:"problems"`
	Solutions []store.Item `json:"solutions"`
}

type legacyUpdate struct {
	Type        string            `json:"type"`
	ThreadID    string            `json:"threadId"`
	Extractions threadExtractions `json:"extractions"`
}

// OnExtraction emits new-extraction or extraction-update to the theme room
// and, when the event names a thread, to the thread room.
func (h *Hub) OnExtraction(ev events.ExtractionEvent) {
	name := EventNewExtraction
	if ev.Kind == events.KindUpdate {
		name = EventExtractionUpdate
	}
	payload := extractionPayload{Type: ev.Type, Data: ev.Item}
	if ev.ThemeID != "" {
		h.Emit(ThemeRoom(ev.ThemeID), name, payload)
	}
	if ev.ThreadID != "" {
		h.Emit(ThreadRoom(ev.ThreadID), name, payload)
	}
}

// OnThreadSnapshot forwards the thread's extractions to legacy clients.
func (h *Hub) OnThreadSnapshot(s events.ThreadSnapshot) {
	problems, solutions := s.Problems, s.Solutions
	if problems == nil {
		problems = []store.Item{}
	}
	if solutions == nil {
		solutions = []store.Item{}
	}
	h.NotifyThread(s.ThreadID, legacyUpdate{
		Type:        "extraction_update",
		ThreadID:    s.ThreadID,
		Extractions: threadExtractions{Problems: problems, Solutions: solutions},
	})
}

// OnChatSentence emits chat-response-sentence to the thread room.
func (h *Hub) OnChatSentence(ev events.ChatSentence) {
	if ev.ThreadID == "" {
		return
	}
	h.Emit(ThreadRoom(ev.ThreadID), EventChatSentence, sentencePayload{Sentence: ev.Sentence, Timestamp: ev.Timestamp})
}

// OnChatClear emits chat-response-clear to the thread room.
func (h *Hub) OnChatClear(ev events.ChatClear) {
	if ev.ThreadID == "" {
		return
	}
	h.Emit(ThreadRoom(ev.ThreadID), EventChatClear, clearPayload{Timestamp: ev.Timestamp})
}
