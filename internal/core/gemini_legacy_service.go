package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	legacygenai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/project-ishtar/ishtar/internal/store"
)

// LegacyGeminiService uses the older generative-ai-go SDK. It has no
// thinking support; EnableThinking is ignored.
type LegacyGeminiService struct {
	client *legacygenai.Client
	logger *slog.Logger
}

func NewLegacyGeminiService(ctx context.Context, apiKey string, logger *slog.Logger) (*LegacyGeminiService, error) {
	client, err := legacygenai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LegacyGeminiService{client: client, logger: orDiscard(logger)}, nil
}

func (s *LegacyGeminiService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Error("error closing GenAI client", "error", err)
		}
	}
}

func (s *LegacyGeminiService) Generate(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	history, last, err := legacyHistory(req.Turns)
	if err != nil {
		return nil, err
	}

	model := s.client.GenerativeModel(req.Model)
	if req.Config.SystemInstruction != "" {
		model.SystemInstruction = &legacygenai.Content{
			Parts: []legacygenai.Part{legacygenai.Text(req.Config.SystemInstruction)},
		}
	}
	if req.Config.Temperature != nil {
		model.SetTemperature(*req.Config.Temperature)
	}

	chatSession := model.StartChat()
	chatSession.History = history

	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		var blocked *legacygenai.BlockedError
		if errors.As(err, &blocked) {
			s.logger.Warn("gemini refused prompt", "model", req.Model, "reason", blocked.Error())
			return nil, &RefusalError{Reason: blocked.Error()}
		}
		return nil, fmt.Errorf("%w: gemini chat SendMessage failed: %w", ErrInferenceUnavailable, err)
	}
	return legacyResponse(resp), nil
}

// legacyHistory splits turns into chat history and the final user message.
func legacyHistory(turns []Turn) ([]*legacygenai.Content, *legacygenai.Content, error) {
	if len(turns) == 0 {
		return nil, nil, fmt.Errorf("%w: prompt history is empty", ErrInvalidRequest)
	}
	contents := make([]*legacygenai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == store.RoleModel {
			role = "model"
		}
		contents = append(contents, &legacygenai.Content{
			Role:  role,
			Parts: []legacygenai.Part{legacygenai.Text(t.Text)},
		})
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, nil, fmt.Errorf("%w: last turn is not from 'user'", ErrInvalidRequest)
	}
	return contents[:len(contents)-1], last, nil
}

func legacyResponse(resp *legacygenai.GenerateContentResponse) *InferenceResponse {
	out := &InferenceResponse{}
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens: int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(legacygenai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	out.Text = text.String()
	return out
}
