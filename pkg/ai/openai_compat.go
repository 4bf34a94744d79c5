package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

// OpenAICompatCompleter calls any OpenAI-compatible /chat/completions endpoint.
// Works with vLLM, LiteLLM, LocalAI, Deepseek, OpenRouter and self-hosted models.
type OpenAICompatCompleter struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatCompleter builds an OpenAI-compatible ChatCompleter.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatCompleter(baseURL, apiKey, model string, timeout time.Duration) *OpenAICompatCompleter {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAICompatCompleter{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete implements ChatCompleter.
func (c *OpenAICompatCompleter) Complete(ctx context.Context, systemPrompt string, messages []domain.ChatMessage) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("openai-compat model required")
	}
	reqBody := oaiChatRequest{
		Model:    c.model,
		Messages: toRoleMessages(systemPrompt, messages, "assistant"),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("openai-compat api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return text, nil
}

// roleMessage is the {role, content} shape shared by OpenAI-compatible and Ollama chat APIs.
type roleMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toRoleMessages(systemPrompt string, messages []domain.ChatMessage, assistantRole string) []roleMessage {
	out := make([]roleMessage, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, roleMessage{Role: "system", Content: systemPrompt})
	}
	for _, msg := range messages {
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = assistantRole
		}
		out = append(out, roleMessage{Role: role, Content: msg.Content})
	}
	return out
}

type oaiChatRequest struct {
	Model    string        `json:"model"`
	Messages []roleMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message roleMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
