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

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls the Ollama HTTP API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient constructs a client with the provided base URL.
func NewOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OllamaClient) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return fmt.Errorf("ollama api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// OllamaCompleter wraps OllamaClient with a fixed model using the /api/chat endpoint.
type OllamaCompleter struct {
	client *OllamaClient
	model  string
}

// NewOllamaCompleter builds an Ollama-based ChatCompleter.
func NewOllamaCompleter(client *OllamaClient, model string) *OllamaCompleter {
	return &OllamaCompleter{client: client, model: strings.TrimSpace(model)}
}

// Complete implements ChatCompleter using Ollama /api/chat.
func (c *OllamaCompleter) Complete(ctx context.Context, systemPrompt string, messages []domain.ChatMessage) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("ollama model required")
	}
	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: toRoleMessages(systemPrompt, messages, "assistant"),
		Stream:   false,
	}
	var resp ollamaChatResponse
	if err := c.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return text, nil
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []roleMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message roleMessage `json:"message"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
