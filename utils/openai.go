package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ObservationPrompt is the system prompt the vision model runs with while
// describing the scene for step tracking.
const ObservationPrompt = `You are watching a person work through a hands-on task from a fixed camera.
Describe what is visible on the work surface in one or two plain sentences. Focus on:

1. Tools and ingredients that are present
2. What the hands are doing right now
3. Visible signs that a step has been finished

Name objects concretely (for example "paper filter", "kettle", "soldering iron"). Do not speculate about intent.`

// OpenAIConfig configures an OpenAIClient. Any OpenAI-compatible endpoint works.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	VisionModel string
	EmbedModel  string
	Timeout     time.Duration
}

// OpenAIClient talks to the chat completions and embeddings endpoints.
// The system prompt is client-side state, so SetPrompt and GetPrompt never
// touch the network.
type OpenAIClient struct {
	config OpenAIConfig
	client *http.Client
	logger *zap.Logger

	mu     sync.RWMutex
	prompt string
}

type GPTMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type GPTResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type ImageContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// NewOpenAIClient returns a client that starts on ObservationPrompt.
func NewOpenAIClient(config OpenAIConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.VisionModel == "" {
		config.VisionModel = "gpt-4o-mini"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With(zap.String("component", "openai")),
		prompt: ObservationPrompt,
	}, nil
}

func (c *OpenAIClient) SetPrompt(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.prompt = prompt
	c.mu.Unlock()
	return nil
}

func (c *OpenAIClient) GetPrompt(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompt, nil
}

// Describe sends the image (optional) and prompt under the current system prompt.
func (c *OpenAIClient) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	c.mu.RLock()
	system := c.prompt
	c.mu.RUnlock()

	content := []ImageContent{{Type: "text", Text: prompt}}
	if len(image) > 0 {
		content = append(content, ImageContent{
			Type: "image_url",
			ImageURL: &struct {
				URL string `json:"url"`
			}{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
			},
		})
	}

	requestBody := map[string]interface{}{
		"model": c.config.VisionModel,
		"messages": []GPTMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: content},
		},
		"max_tokens": 300,
	}

	var response GPTResponse
	if err := c.post(ctx, "/chat/completions", requestBody, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI API response")
	}
	text := strings.TrimSpace(response.Choices[0].Message.Content)
	c.logger.Debug("Vision model response", zap.String("content", text))
	return text, nil
}

// Embed returns the embedding of text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]interface{}{
		"input": text,
		"model": c.config.EmbedModel,
	}
	var responseData struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", requestBody, &responseData); err != nil {
		return nil, err
	}
	if len(responseData.Data) == 0 {
		return nil, fmt.Errorf("no data in OpenAI API response")
	}
	return responseData.Data[0].Embedding, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, requestBody interface{}, out interface{}) error {
	requestBodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OpenAI API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal response JSON: %w", err)
	}
	return nil
}
