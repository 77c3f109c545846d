package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/project-ishtar/ishtar/internal/metrics"
	"github.com/project-ishtar/ishtar/internal/store"
)

const (
	defaultSummaryTimeout = 2 * time.Minute
	maxPageSize           = 100
)

// requestConversationSpace namespaces conversation ids derived from a
// user's request id.
var requestConversationSpace = uuid.MustParse("6f0b7c52-3d7e-4f0e-9a55-2c8e1d4b9a10")

type ChatOptions struct {
	SummarizationThreshold int64
	ContextLookback        int
	PageSize               int
	// SummaryTimeout bounds each background task (summarization, titling).
	SummaryTimeout time.Duration
	AutoTitle      bool
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type ChatService struct {
	store      store.Store
	llm        LLMService
	settings   *SettingsCache
	builder    *ContextBuilder
	summarizer *Summarizer
	opts       ChatOptions
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	background sync.WaitGroup
}

func NewChatService(st store.Store, llm LLMService, settings *SettingsCache, opts ChatOptions) *ChatService {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.SummaryTimeout <= 0 {
		opts.SummaryTimeout = defaultSummaryTimeout
	}
	logger := orDiscard(opts.Logger)
	return &ChatService{
		store:      st,
		llm:        llm,
		settings:   settings,
		builder:    NewContextBuilder(st, opts.ContextLookback, logger),
		summarizer: NewSummarizer(st, llm, logger),
		opts:       opts,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// Wait blocks until background summarization and titling work finishes.
func (s *ChatService) Wait() {
	s.background.Wait()
}

type SendMessageRequest struct {
	UserID          string `json:"-"`
	ConversationID  string `json:"conversationId,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	PromptMessageID string `json:"promptMessageId,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
}

type SendMessageResponse struct {
	ResponseID     string         `json:"responseId"`
	ResponseText   string         `json:"responseText"`
	ConversationID string         `json:"conversationId"`
	InputTokens    int64          `json:"inputTokens"`
	OutputTokens   int64          `json:"outputTokens"`
	Prompt         *store.Message `json:"prompt,omitempty"`
	Response       *store.Message `json:"response"`
	Replayed       bool           `json:"replayed,omitempty"`
}

// SendMessage runs one exchange: assemble context, call the model, persist
// the user and model turns with the ledger update in one batch, then
// evaluate the summarization threshold. Failures before persistence leave
// nothing behind. Summarization never affects the result.
func (s *ChatService) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(req.Prompt) == "" && req.PromptMessageID == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	ex := newExchange(s.logger.With("user_id", req.UserID, "request_id", req.RequestID))

	global, err := s.settings.Get(ctx)
	if err != nil {
		s.metrics.ObserveExchange("error")
		return nil, ex.fail(err)
	}

	conv, created, err := s.resolveConversation(ctx, req, global)
	if err != nil {
		s.metrics.ObserveExchange("error")
		return nil, ex.fail(err)
	}
	ex.logger = ex.logger.With("conversation_id", conv.ID)

	model := conv.ChatSettings.Model
	if model == "" {
		model = global.DefaultModel
	}
	if model == "" {
		s.metrics.ObserveExchange("error")
		return nil, ex.fail(ErrNoModelConfigured)
	}

	if req.RequestID != "" {
		replay, err := s.replay(ctx, conv.ID, req.RequestID)
		if err != nil {
			s.metrics.ObserveExchange("error")
			return nil, ex.fail(err)
		}
		if replay != nil {
			ex.logger.Info("returning stored exchange for repeated request")
			s.metrics.ObserveExchange("replay")
			ex.advance(stateDone)
			return replay, nil
		}
	}

	promptText, promptMsg, err := s.resolvePrompt(ctx, conv.ID, req)
	if err != nil {
		s.metrics.ObserveExchange("error")
		return nil, ex.fail(err)
	}

	window := &ContextWindow{}
	if conv.ChatSettings.EnableMultiTurn {
		window, err = s.builder.Build(ctx, conv, req.PromptMessageID)
		if err != nil {
			s.metrics.ObserveExchange("error")
			return nil, ex.fail(err)
		}
	}
	ex.advance(stateContextAssembled)

	turns := append(window.Turns(), Turn{Role: store.RoleUser, Text: promptText})
	resp, err := s.llm.Generate(ctx, InferenceRequest{
		Model:  model,
		Turns:  turns,
		Config: generationConfig(conv.ChatSettings, global),
	})
	if err != nil {
		if errors.Is(err, ErrInferenceRefused) {
			s.metrics.ObserveExchange("refused")
			return nil, ex.fail(err)
		}
		s.metrics.ObserveExchange("inference_error")
		if !errors.Is(err, ErrInferenceUnavailable) && !errors.Is(err, ErrInvalidRequest) {
			err = fmt.Errorf("%w: %w", ErrInferenceUnavailable, err)
		}
		return nil, ex.fail(err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		s.metrics.ObserveExchange("inference_error")
		return nil, ex.fail(fmt.Errorf("%w: model returned no text", ErrInferenceUnavailable))
	}
	ex.advance(stateGenerated)

	ledger := s.ledger(global)
	promptTokens := ledger.PromptTurnTokens(window.HistoryTokens, resp.Usage)
	replyTokens := max(0, resp.Usage.Output())
	addInput, addOutput := ledger.Increments(resp.Usage)

	batch := store.Batch{AddInputTokens: addInput, AddOutputTokens: addOutput, Touch: true}
	if promptMsg == nil {
		batch.Messages = append(batch.Messages, store.Message{
			Role:       store.RoleUser,
			Parts:      []store.Part{store.TextPart(promptText)},
			TokenCount: &promptTokens,
			RequestID:  req.RequestID,
		})
	} else if promptMsg.TokenCount == nil {
		batch.TokenBackfills = append(batch.TokenBackfills, store.TokenBackfill{MessageID: promptMsg.ID, TokenCount: promptTokens})
	}
	batch.Messages = append(batch.Messages, store.Message{
		Role:                store.RoleModel,
		Parts:               []store.Part{store.TextPart(resp.Text)},
		TokenCount:          &replyTokens,
		RequestID:           req.RequestID,
		ExchangeInputTokens: addInput,
	})

	persisted, err := s.store.CommitBatch(ctx, conv.ID, batch)
	if err != nil {
		s.metrics.ObserveExchange("persist_error")
		return nil, ex.fail(fmt.Errorf("%w: %w", ErrPersistenceFailed, err))
	}
	ex.advance(statePersisted)
	s.metrics.AddTokens("exchange", addInput, addOutput)

	reply := persisted[len(persisted)-1]
	var userMsg store.Message
	if promptMsg == nil {
		userMsg = persisted[0]
	} else {
		userMsg = *promptMsg
		if len(batch.TokenBackfills) > 0 {
			userMsg.TokenCount = &promptTokens
		}
	}

	if ledger.ShouldSummarize(conv.ChatSettings, window.HistoryTokens, resp.Usage) {
		ex.logger.Info("summarization threshold reached",
			"history_tokens", window.HistoryTokens, "threshold", ledger.Threshold)
		snapshot := *conv
		s.runInBackground(ctx, "summarize", func(ctx context.Context) {
			s.summarize(ctx, &snapshot, model, window, promptText, resp.Text)
		})
	}
	ex.advance(stateSummaryEvaluated)

	if created && s.opts.AutoTitle {
		s.runInBackground(ctx, "title", func(ctx context.Context) {
			s.generateAndSaveChatTitle(ctx, conv.ID, model, promptText)
		})
	}

	s.metrics.ObserveExchange("ok")
	ex.advance(stateDone)
	return &SendMessageResponse{
		ResponseID:     reply.ID,
		ResponseText:   reply.Text(),
		ConversationID: conv.ID,
		InputTokens:    addInput,
		OutputTokens:   addOutput,
		Prompt:         &userMsg,
		Response:       &reply,
	}, nil
}

func (s *ChatService) ledger(global GlobalSettings) Ledger {
	if global.SummarizationThreshold > 0 {
		return NewLedger(global.SummarizationThreshold)
	}
	return NewLedger(s.opts.SummarizationThreshold)
}

func generationConfig(cs store.ChatSettings, global GlobalSettings) GenerationConfig {
	cfg := GenerationConfig{Temperature: cs.Temperature}
	if cfg.Temperature == nil {
		cfg.Temperature = float32Ptr(global.Temperature)
	}
	if cs.SystemInstruction != nil {
		cfg.SystemInstruction = *cs.SystemInstruction
	}
	if cs.EnableThinking {
		cfg.EnableThinking = true
		cfg.ThinkingBudget = cs.ThinkingBudget
		if cfg.ThinkingBudget == nil {
			budget := global.GeminiMaxThinkingTokenCount
			cfg.ThinkingBudget = &budget
		}
	}
	return cfg
}

func (s *ChatService) resolveConversation(ctx context.Context, req SendMessageRequest, global GlobalSettings) (*store.Conversation, bool, error) {
	if req.ConversationID == "" {
		if req.RequestID == "" {
			conv, err := s.createConversation(ctx, req.UserID, "", nil, global)
			return conv, true, err
		}
		// Retries of a first message share one conversation.
		id := uuid.NewSHA1(requestConversationSpace, []byte(req.UserID+"\x00"+req.RequestID)).String()
		conv, err := s.createConversation(ctx, req.UserID, id, nil, global)
		if errors.Is(err, store.ErrConflict) {
			conv, err = s.loadOwned(ctx, req.UserID, id)
		}
		return conv, true, err
	}
	conv, err := s.loadOwned(ctx, req.UserID, req.ConversationID)
	return conv, false, err
}

// replay returns the stored exchange for requestID, or nil if no model turn
// was persisted for it yet.
func (s *ChatService) replay(ctx context.Context, conversationID, requestID string) (*SendMessageResponse, error) {
	msgs, err := s.store.FindMessagesByRequestID(ctx, conversationID, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up request %s: %w", requestID, err)
	}
	var prompt, reply *store.Message
	for i := range msgs {
		switch msgs[i].Role {
		case store.RoleUser:
			prompt = &msgs[i]
		case store.RoleModel:
			reply = &msgs[i]
		}
	}
	if reply == nil {
		return nil, nil
	}
	out := &SendMessageResponse{
		ResponseID:     reply.ID,
		ResponseText:   reply.Text(),
		ConversationID: conversationID,
		InputTokens:    reply.ExchangeInputTokens,
		Prompt:         prompt,
		Response:       reply,
		Replayed:       true,
	}
	if reply.TokenCount != nil {
		out.OutputTokens = int64(*reply.TokenCount)
	}
	return out, nil
}

func (s *ChatService) resolvePrompt(ctx context.Context, conversationID string, req SendMessageRequest) (string, *store.Message, error) {
	if req.PromptMessageID == "" {
		return req.Prompt, nil, nil
	}
	msg, err := s.store.GetMessage(ctx, conversationID, req.PromptMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrMessageNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load prompt message: %w", err)
	}
	if msg.Role != store.RoleUser {
		return "", nil, fmt.Errorf("%w: prompt message %s is not a user turn", ErrInvalidRequest, msg.ID)
	}
	text := msg.Text()
	if strings.TrimSpace(text) == "" {
		return "", nil, fmt.Errorf("%w: prompt message %s has no text", ErrInvalidRequest, msg.ID)
	}
	return text, msg, nil
}

func (s *ChatService) summarize(ctx context.Context, conv *store.Conversation, model string, window *ContextWindow, prompt, reply string) {
	logger := s.logger.With("conversation_id", conv.ID)

	res, err := s.summarizer.Summarize(ctx, conv, model, window, prompt, reply)
	if err != nil {
		logger.Error("summarization failed", "error", err)
		s.metrics.ObserveSummarization("failed")
		return
	}
	if res == nil {
		s.metrics.ObserveSummarization("abandoned")
		return
	}

	_, err = s.store.CommitBatch(ctx, conv.ID, store.Batch{
		Checkpoint: &store.CheckpointMove{
			Expected:  conv.SummarizedMessageID,
			MessageID: res.SummaryMessageID,
		},
		AddInputTokens:  int64(res.InputTokens),
		AddOutputTokens: int64(res.OutputTokens),
	})
	if errors.Is(err, store.ErrConflict) {
		// Another exchange moved the checkpoint first. The summary stays
		// unreferenced but its tokens were still spent.
		logger.Warn("checkpoint moved concurrently, summary left unreferenced", "summary_id", res.SummaryMessageID)
		s.metrics.ObserveSummarization("conflict")
		_, err = s.store.CommitBatch(ctx, conv.ID, store.Batch{
			AddInputTokens:  int64(res.InputTokens),
			AddOutputTokens: int64(res.OutputTokens),
		})
		if err != nil {
			logger.Error("failed to record summarization tokens", "error", err)
			return
		}
		s.metrics.AddTokens("summary", int64(res.InputTokens), int64(res.OutputTokens))
		return
	}
	if err != nil {
		logger.Error("failed to move checkpoint", "summary_id", res.SummaryMessageID, "error", err)
		s.metrics.ObserveSummarization("failed")
		return
	}
	s.metrics.ObserveSummarization("ok")
	s.metrics.AddTokens("summary", int64(res.InputTokens), int64(res.OutputTokens))
	logger.Info("conversation summarized", "summary_id", res.SummaryMessageID,
		"input_tokens", res.InputTokens, "output_tokens", res.OutputTokens)
}

func (s *ChatService) generateAndSaveChatTitle(ctx context.Context, conversationID, model, basisContent string) {
	logger := s.logger.With("conversation_id", conversationID)
	logger.Debug("attempting to generate title")

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", basisContent)
	resp, err := s.llm.Generate(ctx, InferenceRequest{
		Model: model,
		Turns: []Turn{{Role: store.RoleUser, Text: prompt}},
		Config: GenerationConfig{
			Temperature:       float32Ptr(titleTemperature),
			SystemInstruction: titleSystemInstruction,
		},
	})
	if err != nil {
		logger.Warn("failed to generate title", "error", err)
		return
	}
	title := strings.Trim(resp.Text, "\"'\n\r\t .")
	if title == "" {
		logger.Warn("model generated an empty title")
		return
	}

	if err := s.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		logger.Warn("failed to save generated title", "title", title, "error", err)
		return
	}
	in, out := Ledger{}.Increments(resp.Usage)
	if _, err := s.store.CommitBatch(ctx, conversationID, store.Batch{AddInputTokens: in, AddOutputTokens: out}); err != nil {
		logger.Warn("failed to record title tokens", "error", err)
	} else {
		s.metrics.AddTokens("title", in, out)
	}
	logger.Info("generated and saved title", "title", title)
}

// runInBackground runs fn detached from the caller's cancellation but bounded
// by SummaryTimeout. Wait blocks on it.
func (s *ChatService) runInBackground(ctx context.Context, task string, fn func(context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked", "task", task, "panic", r)
			}
		}()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SummaryTimeout)
		defer cancel()
		fn(bg)
	}()
}

// Conversation operations

func (s *ChatService) loadOwned(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.IsDeleted {
		return nil, ErrConversationNotFound
	}
	if conv.UserID != userID {
		return nil, ErrConversationAccessDenied
	}
	return conv, nil
}

func (s *ChatService) createConversation(ctx context.Context, userID, id string, settings *store.ChatSettings, global GlobalSettings) (*store.Conversation, error) {
	cs := store.ChatSettings{
		Model:           global.DefaultModel,
		Temperature:     float32Ptr(global.Temperature),
		EnableThinking:  global.EnableThinking,
		EnableMultiTurn: global.EnableMultiTurnConversation,
	}
	if settings != nil {
		if err := validateChatSettings(*settings, global); err != nil {
			return nil, err
		}
		cs = *settings
		if cs.Model == "" {
			cs.Model = global.DefaultModel
		}
	}
	conv, err := s.store.CreateConversation(ctx, store.Conversation{
		ID:           id,
		UserID:       userID,
		Title:        "New Chat - " + s.now().Format("Jan 2, 2006 15:04"),
		ChatSettings: cs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Info("created conversation", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

func validateChatSettings(cs store.ChatSettings, global GlobalSettings) error {
	if cs.Model != "" && !global.SupportsModel(cs.Model) {
		return fmt.Errorf("%w: model %q is not supported", ErrInvalidRequest, cs.Model)
	}
	if cs.Temperature != nil && (*cs.Temperature < 0 || *cs.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidRequest)
	}
	return nil
}

// CreateConversation starts an empty conversation. A nil settings uses the
// global defaults.
func (s *ChatService) CreateConversation(ctx context.Context, userID string, settings *store.ChatSettings) (*store.Conversation, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	global, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.createConversation(ctx, userID, "", settings, global)
}

func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	return s.loadOwned(ctx, userID, conversationID)
}

func (s *ChatService) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.loadOwned(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (s *ChatService) UpdateChatSettings(ctx context.Context, userID, conversationID string, settings store.ChatSettings) (*store.Conversation, error) {
	if _, err := s.loadOwned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	global, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateChatSettings(settings, global); err != nil {
		return nil, err
	}
	if err := s.store.UpdateChatSettings(ctx, conversationID, settings); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to update chat settings: %w", err)
	}
	return s.loadOwned(ctx, userID, conversationID)
}

// CreatePromptMessage persists a user turn ahead of the exchange, so the
// client can attach files to it before calling SendMessage with its id.
func (s *ChatService) CreatePromptMessage(ctx context.Context, userID, conversationID string, parts []store.Part, requestID string) (*store.Message, error) {
	if _, err := s.loadOwned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msg := store.Message{Role: store.RoleUser, Parts: parts, RequestID: requestID}
	if strings.TrimSpace(msg.Text()) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	persisted, err := s.store.AppendMessage(ctx, conversationID, msg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to store prompt message: %w", err)
	}
	return persisted, nil
}

// ListMessages returns one page of history older than cursor.
func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID, cursor string, limit int) (*MessagePage, error) {
	if _, err := s.loadOwned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	limit = min(limit, maxPageSize)
	page, err := FetchPage(ctx, s.store, conversationID, cursor, limit)
	if err != nil {
		return nil, err
	}
	s.metrics.ObservePage()
	return page, nil
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
