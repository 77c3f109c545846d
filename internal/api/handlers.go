package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/project-ishtar/ishtar/internal/auth"
	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
	tokens      *auth.TokenManager
	logger      *slog.Logger
}

func NewAPIHandler(cs *core.ChatService, tokens *auth.TokenManager, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &APIHandler{chatService: cs, tokens: tokens, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeUnauthenticated(w, "Authorization header is required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			writeUnauthenticated(w, "Authorization header must use the Bearer scheme")
			return
		}
		userID, err := h.tokens.ValidateJWT(tokenString)
		if err != nil {
			writeUnauthenticated(w, "Invalid token")
			return
		}

		user, err := h.chatService.GetUser(r.Context(), userID)
		if errors.Is(err, core.ErrUserNotFound) {
			writeUnauthenticated(w, "User not found")
			return
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), user.ID)))
	})
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (CredentialsRequest, bool) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body: "+err.Error())
		return req, false
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeBadRequest(w, "Username and password are required")
		return req, false
	}
	return req, true
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.chatService.CreateUser(r.Context(), req.Username, hashedPassword)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.chatService.GetUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, core.ErrUserNotFound) {
		h.writeError(w, r, err)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		writeUnauthenticated(w, "Invalid credentials")
		return
	}

	token, err := h.tokens.GenerateJWT(user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, UserID: user.ID})
}

// SendMessageHandler is the chat entry point: one prompt in, one reply out.
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req core.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	req.UserID = auth.UserIDFromContext(r.Context())

	resp, err := h.chatService.SendMessage(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type CreateConversationRequest struct {
	ChatSettings *store.ChatSettings `json:"chatSettings,omitempty"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.Body != http.NoBody && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "Invalid request body: "+err.Error())
			return
		}
	}

	conv, err := h.chatService.CreateConversation(r.Context(), auth.UserIDFromContext(r.Context()), req.ChatSettings)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.ListConversations(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chatService.GetConversation(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	err := h.chatService.DeleteConversation(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) UpdateChatSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var settings store.ChatSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeBadRequest(w, "Invalid request body: "+err.Error())
		return
	}

	conv, err := h.chatService.UpdateChatSettings(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "conversationID"), settings)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	page, err := h.chatService.ListMessages(r.Context(), auth.UserIDFromContext(r.Context()),
		chi.URLParam(r, "conversationID"), query.Get("cursor"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

type CreatePromptMessageRequest struct {
	Prompt    string       `json:"prompt,omitempty"`
	Contents  []store.Part `json:"contents,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
}

// CreatePromptMessageHandler stores a user turn ahead of SendMessage so
// attachments can reference it.
func (h *APIHandler) CreatePromptMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePromptMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	parts := req.Contents
	if req.Prompt != "" {
		parts = append([]store.Part{store.TextPart(req.Prompt)}, parts...)
	}

	msg, err := h.chatService.CreatePromptMessage(r.Context(), auth.UserIDFromContext(r.Context()),
		chi.URLParam(r, "conversationID"), parts, req.RequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
