package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/project-ishtar/ishtar/internal/store"
)

// GeminiService talks to the Gemini API through google.golang.org/genai.
// It supports thinking budgets and reports thinking token usage.
type GeminiService struct {
	client *genai.Client
	logger *slog.Logger
}

func NewGeminiService(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiService, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiService{client: client, logger: orDiscard(logger)}, nil
}

func (s *GeminiService) Generate(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	if len(req.Turns) == 0 {
		return nil, fmt.Errorf("%w: no turns to submit", ErrInvalidRequest)
	}
	resp, err := s.client.Models.GenerateContent(ctx, req.Model, genaiContents(req.Turns), genaiConfig(req.Config))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrInferenceUnavailable, ctxErr)
		}
		return nil, fmt.Errorf("%w: gemini GenerateContent failed: %w", ErrInferenceUnavailable, err)
	}
	out, err := genaiResponse(resp)
	if err != nil {
		var refusal *RefusalError
		if errors.As(err, &refusal) {
			s.logger.Warn("gemini refused prompt", "model", req.Model, "reason", refusal.Reason)
		}
		return nil, err
	}
	return out, nil
}

func genaiContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		var role genai.Role = genai.RoleUser
		if t.Role == store.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return contents
}

func genaiConfig(cfg GenerationConfig) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature: cfg.Temperature,
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.EnableThinking {
		out.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  cfg.ThinkingBudget,
		}
	}
	return out
}

// genaiResponse converts a GenerateContent response. Thought parts are not
// part of the answer text.
func genaiResponse(resp *genai.GenerateContentResponse) (*InferenceResponse, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrInferenceUnavailable)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		reason := string(fb.BlockReason)
		if fb.BlockReasonMessage != "" {
			reason += ": " + fb.BlockReasonMessage
		}
		return nil, &RefusalError{Reason: reason}
	}

	out := &InferenceResponse{}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:   int(u.PromptTokenCount),
			OutputTokens:   int(u.CandidatesTokenCount),
			ThinkingTokens: int(u.ThoughtsTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}

	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return nil, &RefusalError{Reason: string(cand.FinishReason)}
	}

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	out.Text = text.String()
	return out, nil
}
