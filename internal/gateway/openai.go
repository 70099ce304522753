package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/linkgate/internal/config"
)

const maxOpenAIBodyBytes = 4 << 20

// Completer produces chat completions. *openai.Client satisfies it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAICompleter returns a go-openai client for the configured upstream.
func NewOpenAICompleter(cfg config.OpenAIConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimSuffix(base, "/")
	}
	return openai.NewClientWithConfig(clientCfg)
}

// OpenAIHandlers serves the OpenAI-compatible endpoints.
type OpenAIHandlers struct {
	completer    Completer
	defaultModel string
	logger       *slog.Logger
	now          func() time.Time
}

// NewOpenAIHandlers returns handlers forwarding to completer.
func NewOpenAIHandlers(completer Completer, defaultModel string, logger *slog.Logger) *OpenAIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIHandlers{
		completer:    completer,
		defaultModel: defaultModel,
		logger:       logger.With("component", "openai"),
		now:          time.Now,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandlers) ChatCompletions() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if req.Stream {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
			return
		}
		if req.Model == "" {
			req.Model = h.defaultModel
		}

		resp, err := h.completer.CreateChatCompletion(r.Context(), req)
		if err != nil {
			h.writeUpstreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// ResponsesRequest is the accepted subset of the Responses API request.
type ResponsesRequest struct {
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input"`
	Instructions string          `json:"instructions,omitempty"`
}

// ResponsesResponse is the Responses API reply for a completed request.
type ResponsesResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Model     string           `json:"model"`
	Status    string           `json:"status"`
	Output    []ResponseOutput `json:"output"`
}

type ResponseOutput struct {
	Type    string                `json:"type"`
	ID      string                `json:"id,omitempty"`
	Role    string                `json:"role"`
	Content []ResponseContentPart `json:"content"`
}

type ResponseContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Responses handles POST /v1/responses by mapping the request onto a chat
// completion.
func (h *OpenAIHandlers) Responses() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ResponsesRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		messages, err := responsesInputMessages(req.Input)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if req.Instructions != "" {
			messages = append([]openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.Instructions,
			}}, messages...)
		}
		model := req.Model
		if model == "" {
			model = h.defaultModel
		}

		resp, err := h.completer.CreateChatCompletion(r.Context(), openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
		})
		if err != nil {
			h.writeUpstreamError(w, err)
			return
		}

		text := ""
		if len(resp.Choices) > 0 {
			text = resp.Choices[0].Message.Content
		}
		if resp.Model != "" {
			model = resp.Model
		}
		writeJSON(w, http.StatusOK, &ResponsesResponse{
			ID:        "resp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Object:    "response",
			CreatedAt: h.now().Unix(),
			Model:     model,
			Status:    "completed",
			Output: []ResponseOutput{{
				Type:    "message",
				ID:      "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Role:    openai.ChatMessageRoleAssistant,
				Content: []ResponseContentPart{{Type: "output_text", Text: text}},
			}},
		})
	})
}

// responsesInputMessages accepts a string or a list of {role, content}
// items whose content is a string or a list of text parts.
func responsesInputMessages(raw json.RawMessage) ([]openai.ChatCompletionMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("input is required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, errors.New("input is required")
		}
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: text}}, nil
	}

	var items []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("input must be a string or a list of messages")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(items))
	for i, item := range items {
		content, err := responsesContentText(item.Content)
		if err != nil {
			return nil, fmt.Errorf("input[%d]: %w", i, err)
		}
		role := item.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	if len(messages) == 0 {
		return nil, errors.New("input is required")
	}
	return messages, nil
}

func responsesContentText(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errors.New("content must be a string or a list of text parts")
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// writeUpstreamError passes upstream HTTP statuses through; anything else is
// a 502.
func (h *OpenAIHandlers) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		errType := apiErr.Type
		if errType == "" {
			errType = "upstream_error"
		}
		writeOpenAIError(w, apiErr.HTTPStatusCode, errType, apiErr.Message)
		return
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		writeOpenAIError(w, reqErr.HTTPStatusCode, "upstream_error", reqErr.Error())
		return
	}
	h.logger.Warn("upstream completion failed", "error", err)
	writeOpenAIError(w, http.StatusBadGateway, "upstream_error", err.Error())
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOpenAIBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
