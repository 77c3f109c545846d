package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/project-ishtar/ishtar/internal/api"
	"github.com/project-ishtar/ishtar/internal/auth"
	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/metrics"
	"github.com/project-ishtar/ishtar/internal/store"
)

type fakeLLM struct {
	respond func(req core.InferenceRequest) (*core.InferenceResponse, error)
}

func (f *fakeLLM) Generate(_ context.Context, req core.InferenceRequest) (*core.InferenceResponse, error) {
	if f.respond == nil {
		return &core.InferenceResponse{Text: "Hi there", Usage: core.Usage{PromptTokens: 5, OutputTokens: 3}}, nil
	}
	return f.respond(req)
}

type testEnv struct {
	handler http.Handler
	llm     *fakeLLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	llm := &fakeLLM{}
	settings := core.NewSettingsCache(core.StaticSettings(core.DefaultGlobalSettings()), time.Minute, core.FallbackError, nil, nil)
	svc := core.NewChatService(store.NewMemoryStore(), llm, settings, core.ChatOptions{Metrics: metrics.New(reg)})
	t.Cleanup(svc.Wait)

	tokens, err := auth.NewTokenManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return &testEnv{
		handler: api.NewRouter(api.NewAPIHandler(svc, tokens, nil), reg),
		llm:     llm,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// login signs username up and returns a bearer token for it.
func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	creds := api.CredentialsRequest{Username: username, Password: "pw-" + username}
	if rec := e.do(t, http.MethodPost, "/api/signup", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("signup: %d %s", rec.Code, rec.Body)
	}
	rec := e.do(t, http.MethodPost, "/api/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var resp api.LoginResponse
	decode(t, rec, &resp)
	return resp.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) api.ErrorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, status, rec.Body)
	}
	var body api.ErrorBody
	decode(t, rec, &body)
	if body.Code != code {
		t.Fatalf("code = %q, want %q", body.Code, code)
	}
	return body
}

func (e *testEnv) send(t *testing.T, token string, req core.SendMessageRequest) core.SendMessageResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/ai", token, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body)
	}
	var resp core.SendMessageResponse
	decode(t, rec, &resp)
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body)
	}
}

func TestSignupAndLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.login(t, "ada")

	expectError(t, env.do(t, http.MethodPost, "/api/signup", "", api.CredentialsRequest{Username: "ada", Password: "x"}),
		http.StatusConflict, api.CodeAlreadyExists)
	expectError(t, env.do(t, http.MethodPost, "/api/login", "", api.CredentialsRequest{Username: "ada", Password: "wrong"}),
		http.StatusUnauthorized, api.CodeUnauthenticated)
	expectError(t, env.do(t, http.MethodPost, "/api/login", "", api.CredentialsRequest{Username: "nobody", Password: "x"}),
		http.StatusUnauthorized, api.CodeUnauthenticated)
	expectError(t, env.do(t, http.MethodPost, "/api/signup", "", api.CredentialsRequest{Username: "bob"}),
		http.StatusBadRequest, api.CodeInvalidArgument)
}

func TestAuthenticationRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	expectError(t, env.do(t, http.MethodGet, "/api/conversations", "", nil), http.StatusUnauthorized, api.CodeUnauthenticated)
	expectError(t, env.do(t, http.MethodGet, "/api/conversations", "junk", nil), http.StatusUnauthorized, api.CodeUnauthenticated)
	expectError(t, env.do(t, http.MethodPost, "/api/ai", "", core.SendMessageRequest{Prompt: "hi"}), http.StatusUnauthorized, api.CodeUnauthenticated)
}

func TestSendMessageAndHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	token := env.login(t, "ada")

	resp := env.send(t, token, core.SendMessageRequest{Prompt: "Hello"})
	if resp.ConversationID == "" || resp.ResponseText != "Hi there" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.InputTokens != 5 || resp.OutputTokens != 3 {
		t.Fatalf("ledger = %d/%d, want 5/3", resp.InputTokens, resp.OutputTokens)
	}

	rec := env.do(t, http.MethodGet, "/api/conversations/"+resp.ConversationID+"/messages", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages: %d %s", rec.Code, rec.Body)
	}
	var page core.MessagePage
	decode(t, rec, &page)
	if len(page.Messages) != 2 || page.NextCursor != "" {
		t.Fatalf("page = %+v", page)
	}
	if page.Messages[0].Role != store.RoleUser || page.Messages[1].Role != store.RoleModel {
		t.Fatalf("roles = %s, %s", page.Messages[0].Role, page.Messages[1].Role)
	}

	rec = env.do(t, http.MethodGet, "/api/conversations", token, nil)
	var convs []store.Conversation
	decode(t, rec, &convs)
	if len(convs) != 1 || convs[0].ID != resp.ConversationID {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestSendMessageErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		respond   func(core.InferenceRequest) (*core.InferenceResponse, error)
		prompt    string
		status    int
		code      string
		retryable bool
	}{
		{"Refused", func(core.InferenceRequest) (*core.InferenceResponse, error) {
			return nil, &core.RefusalError{Reason: "SAFETY"}
		}, "hello", http.StatusForbidden, api.CodePermissionDenied, false},
		{"Unavailable", func(core.InferenceRequest) (*core.InferenceResponse, error) {
			return nil, core.ErrInferenceUnavailable
		}, "hello", http.StatusInternalServerError, api.CodeInternal, true},
		{"EmptyPrompt", nil, "   ", http.StatusBadRequest, api.CodeInvalidArgument, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.llm.respond = tt.respond
			token := env.login(t, "ada")

			body := expectError(t, env.do(t, http.MethodPost, "/api/ai", token, core.SendMessageRequest{Prompt: tt.prompt}), tt.status, tt.code)
			if body.Retryable != tt.retryable {
				t.Fatalf("retryable = %v, want %v", body.Retryable, tt.retryable)
			}
		})
	}
}

func TestConversationAccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	owner := env.login(t, "ada")
	other := env.login(t, "bob")

	resp := env.send(t, owner, core.SendMessageRequest{Prompt: "Hello"})
	path := "/api/conversations/" + resp.ConversationID

	expectError(t, env.do(t, http.MethodGet, path, other, nil), http.StatusForbidden, api.CodePermissionDenied)
	expectError(t, env.do(t, http.MethodGet, path+"/messages", other, nil), http.StatusForbidden, api.CodePermissionDenied)
	expectError(t, env.do(t, http.MethodPost, "/api/ai", other, core.SendMessageRequest{ConversationID: resp.ConversationID, Prompt: "hi"}),
		http.StatusForbidden, api.CodePermissionDenied)
	expectError(t, env.do(t, http.MethodGet, "/api/conversations/missing", owner, nil), http.StatusNotFound, api.CodeNotFound)

	if rec := env.do(t, http.MethodDelete, path, owner, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	expectError(t, env.do(t, http.MethodGet, path, owner, nil), http.StatusNotFound, api.CodeNotFound)
}

func TestListMessagesRejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	token := env.login(t, "ada")
	resp := env.send(t, token, core.SendMessageRequest{Prompt: "Hello"})
	path := "/api/conversations/" + resp.ConversationID + "/messages"

	expectError(t, env.do(t, http.MethodGet, path+"?cursor=%25%25%25", token, nil), http.StatusBadRequest, api.CodeInvalidArgument)
	expectError(t, env.do(t, http.MethodGet, path+"?limit=ten", token, nil), http.StatusBadRequest, api.CodeInvalidArgument)
}

func TestPromptMessageAndSettings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	token := env.login(t, "ada")

	rec := env.do(t, http.MethodPost, "/api/conversations", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var conv store.Conversation
	decode(t, rec, &conv)
	path := "/api/conversations/" + conv.ID

	rec = env.do(t, http.MethodPost, path+"/messages", token, api.CreatePromptMessageRequest{Prompt: "draft"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("prompt: %d %s", rec.Code, rec.Body)
	}
	var prompt store.Message
	decode(t, rec, &prompt)
	if prompt.Text() != "draft" || prompt.TokenCount != nil {
		t.Fatalf("prompt = %+v", prompt)
	}

	resp := env.send(t, token, core.SendMessageRequest{ConversationID: conv.ID, PromptMessageID: prompt.ID})
	if resp.Prompt == nil || resp.Prompt.ID != prompt.ID {
		t.Fatalf("exchange did not reuse the stored prompt: %+v", resp.Prompt)
	}

	expectError(t, env.do(t, http.MethodPatch, path+"/settings", token, store.ChatSettings{Model: "gpt-4"}),
		http.StatusBadRequest, api.CodeInvalidArgument)

	instruction := "Be terse."
	rec = env.do(t, http.MethodPatch, path+"/settings", token, store.ChatSettings{
		Model:             "gemini-2.5-pro",
		SystemInstruction: &instruction,
		EnableMultiTurn:   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("settings: %d %s", rec.Code, rec.Body)
	}
	decode(t, rec, &conv)
	if conv.ChatSettings.Model != "gemini-2.5-pro" || conv.ChatSettings.SystemInstruction == nil {
		t.Fatalf("settings = %+v", conv.ChatSettings)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	token := env.login(t, "ada")
	env.send(t, token, core.SendMessageRequest{Prompt: "Hello"})

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `ishtar_exchanges_total{result="ok"} 1`) {
		t.Fatalf("exchange counter missing from:\n%s", rec.Body)
	}
}
