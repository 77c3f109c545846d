package core

import (
	"context"

	"github.com/project-ishtar/ishtar/internal/store"
)

const (
	summarizationTemperature = float32(0.3)
	titleTemperature         = float32(0.3)

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// Turn is one role-tagged, text-only entry submitted to the model.
type Turn struct {
	Role store.Role
	Text string
}

type GenerationConfig struct {
	Temperature       *float32
	SystemInstruction string
	EnableThinking    bool
	ThinkingBudget    *int32
}

type InferenceRequest struct {
	Model  string
	Turns  []Turn
	Config GenerationConfig
}

type Usage struct {
	PromptTokens   int
	OutputTokens   int
	ThinkingTokens int
}

// Output is what the exchange is billed for on the model side.
func (u Usage) Output() int {
	return u.OutputTokens + u.ThinkingTokens
}

type InferenceResponse struct {
	Text  string
	Usage Usage
}

// LLMService is the inference boundary. Implementations return
// ErrInferenceUnavailable for transport or backend failures and a
// *RefusalError when the model blocks the prompt or the answer.
type LLMService interface {
	Generate(ctx context.Context, req InferenceRequest) (*InferenceResponse, error)
}

func float32Ptr(f float32) *float32 { return &f }
