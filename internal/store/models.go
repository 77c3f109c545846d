package store

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModel, RoleSystem:
		return true
	}
	return false
}

type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartDocument PartType = "document"
)

// Part is one piece of message content. Document parts carry the text
// extracted from the source file alongside a reference to that file.
type Part struct {
	Type          PartType `json:"type"`
	Text          string   `json:"text,omitempty"`
	ImageURL      string   `json:"imageUrl,omitempty"`
	SourceFileURL string   `json:"sourceFileUrl,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ImagePart(url string) Part {
	return Part{Type: PartImage, ImageURL: url}
}

func DocumentPart(extractedText, sourceFileURL string) Part {
	return Part{Type: PartDocument, Text: extractedText, SourceFileURL: sourceFileURL}
}

type User struct {
	ID           string    `json:"id"` // Using UUID for external ID
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"createdAt"`
}

type ChatSettings struct {
	Model             string   `json:"model,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	SystemInstruction *string  `json:"systemInstruction,omitempty"`
	EnableThinking    bool     `json:"enableThinking"`
	ThinkingBudget    *int32   `json:"thinkingBudget,omitempty"`
	EnableMultiTurn   bool     `json:"enableMultiTurn"`
}

type Conversation struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"userId"`
	CreatedAt           time.Time    `json:"createdAt"`
	LastUpdated         time.Time    `json:"lastUpdated"`
	IsDeleted           bool         `json:"isDeleted"`
	Title               string       `json:"title"`
	ChatSettings        ChatSettings `json:"chatSettings"`
	SummarizedMessageID *string      `json:"summarizedMessageId"` // Nullable checkpoint
	InputTokenCount     int64        `json:"inputTokenCount"`
	OutputTokenCount    int64        `json:"outputTokenCount"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"contents"`
	Timestamp      time.Time `json:"timestamp"`
	TokenCount     *int      `json:"tokenCount"` // nil until accounted for
	IsSummary      bool      `json:"isSummary"`
	RequestID      string    `json:"requestId,omitempty"`
	// ExchangeInputTokens is the prompt token count the model reported for
	// the exchange a model turn answers. Zero on other turns.
	ExchangeInputTokens int64 `json:"exchangeInputTokens,omitempty"`
}

// Text joins the textual content of the message. Image parts are skipped;
// document parts contribute their extracted text.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartImage || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Cursor returns the ordering key of the message.
func (m Message) Cursor() Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}
