// Package chat runs citizen conversations: it prompts the model, stores the
// reply and streams it sentence by sentence over the event bus.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/events"
	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

var (
	// ErrInvalidInput is returned for an empty message or missing ids.
	ErrInvalidInput = errors.New("chat: invalid input")

	// ErrThreadMismatch is returned when a thread belongs to another theme.
	ErrThreadMismatch = errors.New("chat: thread does not belong to theme")
)

// Store is the persistence the chat service needs.
type Store interface {
	GetTheme(ctx context.Context, id string) (*store.Theme, error)
	GetQuestion(ctx context.Context, id string) (*store.SharpQuestion, error)
	ListQuestions(ctx context.Context, themeID string) ([]store.SharpQuestion, error)
	CreateThread(ctx context.Context, themeID, userID, questionID string) (*store.ChatThread, error)
	GetThread(ctx context.Context, id string) (*store.ChatThread, error)
	ListThreadsByUser(ctx context.Context, themeID, userID string) ([]store.ChatThread, error)
	SetSessionID(ctx context.Context, threadID, sessionID string) error
	BeginTurn(ctx context.Context, threadID string, m store.Message) (*store.ChatThread, error)
	StartReply(ctx context.Context, threadID string, m store.Message, pending []string) (*store.ChatThread, error)
	DeliverPendingSentence(ctx context.Context, threadID, sentence string) (bool, error)
	GetItems(ctx context.Context, ids []string) ([]store.Item, error)
}

// Publisher announces streamed sentences.
type Publisher interface {
	PublishChatSentence(ctx context.Context, ev events.ChatSentence) error
	PublishChatClear(ctx context.Context, ev events.ChatClear) error
}

// ExtractionTrigger starts problem/solution extraction for a thread.
type ExtractionTrigger interface {
	TriggerExtraction(ctx context.Context, threadID string) error
}

// ServiceConfig tunes streaming and prompting.
type ServiceConfig struct {
	// DelayPerRune paces streamed sentences. Default: 200ms.
	DelayPerRune time.Duration

	// HistorySize caps the conversation turns sent to the model. Default: 20.
	HistorySize int
}

// Input is one user message.
type Input struct {
	ThemeID    string
	QuestionID string
	ThreadID   string
	UserID     string
	SessionID  string
	Message    string
}

// Reply is the model's full answer and the thread it was stored in.
type Reply struct {
	Response string `json:"response"`
	ThreadID string `json:"threadId"`
}

// Extractions is what a thread has produced so far.
type Extractions struct {
	Problems  []store.Item `json:"problems"`
	Solutions []store.Item `json:"solutions"`
}

// Service handles chat turns.
type Service struct {
	store     Store
	llm       llm.Completer
	publisher Publisher
	extractor ExtractionTrigger
	logger    *zap.Logger
	cfg       ServiceConfig

	// turns counts replies per thread so a stream stops once superseded.
	mu    sync.Mutex
	turns map[string]uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a chat service. extractor may be nil.
func NewService(
	st Store,
	completer llm.Completer,
	publisher Publisher,
	extractor ExtractionTrigger,
	logger *zap.Logger,
	cfg ServiceConfig,
) *Service {
	if cfg.DelayPerRune <= 0 {
		cfg.DelayPerRune = 200 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		llm:       completer,
		publisher: publisher,
		extractor: extractor,
		logger:    logger.Named("chat"),
		cfg:       cfg,
		turns:     make(map[string]uint64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// HandleMessage stores the user's message, asks the model and starts
// streaming the reply. It returns once the first sentence is persisted.
func (s *Service) HandleMessage(ctx context.Context, in Input) (*Reply, error) {
	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" || in.ThemeID == "" || in.UserID == "" {
		return nil, fmt.Errorf("%w: themeId, userId and message are required", ErrInvalidInput)
	}
	ctx = logging.WithUserID(logging.WithThemeID(ctx, in.ThemeID), in.UserID)

	theme, err := s.store.GetTheme(ctx, in.ThemeID)
	if err != nil {
		return nil, fmt.Errorf("loading theme: %w", err)
	}

	var focus *store.SharpQuestion
	if in.QuestionID != "" {
		focus, err = s.store.GetQuestion(ctx, in.QuestionID)
		if err != nil {
			return nil, fmt.Errorf("loading question: %w", err)
		}
		if focus.ThemeID != theme.ID {
			return nil, fmt.Errorf("%w: question %s is not part of theme %s", ErrInvalidInput, focus.ID, theme.ID)
		}
	}

	thread, err := s.loadOrCreateThread(ctx, in)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithThreadID(ctx, thread.ID)
	log := logging.For(ctx, s.logger)

	thread, err = s.store.BeginTurn(ctx, thread.ID, store.Message{Role: llm.RoleUser, Content: in.Message})
	if err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}
	turn := s.nextTurn(thread.ID)

	questions, err := s.store.ListQuestions(ctx, theme.ID)
	if err != nil {
		log.Warn("loading sharp questions for prompt", zap.Error(err))
		questions = nil
	}

	response, err := s.llm.Chat(ctx, buildMessages(theme, questions, focus, thread.Messages, s.cfg.HistorySize))
	if err != nil {
		return nil, fmt.Errorf("generating reply: %w", err)
	}

	sentences := SplitSentences(response)
	if len(sentences) == 0 {
		sentences = []string{response}
	}
	if _, err := s.store.StartReply(ctx, thread.ID, store.Message{Role: llm.RoleAssistant, Content: sentences[0]}, sentences[1:]); err != nil {
		return nil, fmt.Errorf("saving reply: %w", err)
	}

	if err := s.publisher.PublishChatClear(ctx, events.ChatClear{
		ThemeID:   theme.ID,
		ThreadID:  thread.ID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Warn("publishing chat clear", zap.Error(err))
	}

	if len(sentences) > 1 {
		s.stream(theme.ID, thread.ID, turn, sentences[1:])
	}

	if s.extractor != nil {
		if err := s.extractor.TriggerExtraction(context.WithoutCancel(ctx), thread.ID); err != nil {
			log.Warn("triggering extraction", zap.Error(err))
		}
	}

	log.Info("chat reply stored", zap.Int("sentences", len(sentences)))
	return &Reply{Response: response, ThreadID: thread.ID}, nil
}

func (s *Service) loadOrCreateThread(ctx context.Context, in Input) (*store.ChatThread, error) {
	if in.ThreadID == "" {
		thread, err := s.store.CreateThread(ctx, in.ThemeID, in.UserID, in.QuestionID)
		if err != nil {
			return nil, fmt.Errorf("creating thread: %w", err)
		}
		if in.SessionID != "" {
			if err := s.store.SetSessionID(ctx, thread.ID, in.SessionID); err != nil {
				return nil, fmt.Errorf("saving session id: %w", err)
			}
			thread.SessionID = in.SessionID
		}
		return thread, nil
	}

	thread, err := s.store.GetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread: %w", err)
	}
	if thread.ThemeID != in.ThemeID {
		return nil, ErrThreadMismatch
	}
	return thread, nil
}

func (s *Service) nextTurn(threadID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[threadID]++
	return s.turns[threadID]
}

func (s *Service) currentTurn(threadID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[threadID]
}

// stream delivers the pending sentences one by one in the background.
func (s *Service) stream(themeID, threadID string, turn uint64, pending []string) {
	perRune := s.cfg.DelayPerRune
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := logging.WithThreadID(logging.WithThemeID(s.ctx, themeID), threadID)
		log := logging.For(ctx, s.logger)

		for _, sentence := range pending {
			delay := time.Duration(utf8.RuneCountInString(sentence)) * perRune
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if s.currentTurn(threadID) != turn {
				return
			}

			delivered, err := s.store.DeliverPendingSentence(ctx, threadID, sentence)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					log.Error("delivering pending sentence", zap.Error(err))
				}
				return
			}
			if !delivered {
				return
			}
			if err := s.publisher.PublishChatSentence(ctx, events.ChatSentence{
				ThemeID:   themeID,
				ThreadID:  threadID,
				Sentence:  sentence,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				log.Warn("publishing chat sentence", zap.Error(err))
			}
		}
		log.Debug("reply stream finished", zap.Int("sentences", len(pending)))
	}()
}

// GetThreadMessages returns a thread's messages, checking it belongs to
// themeID.
func (s *Service) GetThreadMessages(ctx context.Context, themeID, threadID string) (*store.ChatThread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if themeID != "" && thread.ThemeID != themeID {
		return nil, ErrThreadMismatch
	}
	return thread, nil
}

// GetThreadExtractions returns the items extracted from a thread.
func (s *Service) GetThreadExtractions(ctx context.Context, themeID, threadID string) (*Extractions, error) {
	thread, err := s.GetThreadMessages(ctx, themeID, threadID)
	if err != nil {
		return nil, err
	}
	out := &Extractions{Problems: []store.Item{}, Solutions: []store.Item{}}
	if ids := thread.ExtractedProblemIDs; len(ids) > 0 {
		if out.Problems, err = s.store.GetItems(ctx, ids); err != nil {
			return nil, fmt.Errorf("loading problems: %w", err)
		}
	}
	if ids := thread.ExtractedSolutionIDs; len(ids) > 0 {
		if out.Solutions, err = s.store.GetItems(ctx, ids); err != nil {
			return nil, fmt.Errorf("loading solutions: %w", err)
		}
	}
	return out, nil
}

// ThreadsForUser lists a user's threads in a theme.
func (s *Service) ThreadsForUser(ctx context.Context, themeID, userID string) ([]store.ChatThread, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	return s.store.ListThreadsByUser(ctx, themeID, userID)
}

// Close stops running streams and waits for them to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
