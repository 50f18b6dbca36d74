package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)
	return c
}

func TestOpenAIClient_DescribeUsesCurrentSystemPrompt(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" A kettle on the stove. "}}]}`))
	})

	ctx := context.Background()
	require.NoError(t, c.SetPrompt(ctx, "answer the user"))
	text, err := c.Describe(ctx, []byte{0xff, 0xd8}, "what is on the stove?")
	require.NoError(t, err)
	assert.Equal(t, "A kettle on the stove.", text)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.JSONEq(t, `"answer the user"`, string(got.Messages[0].Content))
	assert.Contains(t, string(got.Messages[1].Content), "data:image/jpeg;base64,")

	p, err := c.GetPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer the user", p)
}

func TestOpenAIClient_Embed(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.25]}]}`))
	})
	v, err := c.Embed(context.Background(), "kettle")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, v)
}

func TestOpenAIClient_Errors(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/embeddings" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Describe(context.Background(), nil, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = c.Embed(context.Background(), "kettle")
	assert.Error(t, err)

	_, err = NewOpenAIClient(OpenAIConfig{}, nil)
	assert.Error(t, err)
}

func TestOpenAIClient_StartsOnObservationPrompt(t *testing.T) {
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}, nil)
	require.NoError(t, err)
	p, err := c.GetPrompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ObservationPrompt, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SetPrompt(ctx, "x"))
}
