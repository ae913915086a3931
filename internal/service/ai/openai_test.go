package ai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/promptdeck/backend/internal/config"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/service/ai"
)

const completionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-3.5-turbo",
	"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Hi there"}}]
}`

func TestOpenAIProviderRequest(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	p, err := ai.NewOpenAIProvider(config.AIConfig{
		Provider:      config.ProviderOpenAI,
		Model:         "gpt-3.5-turbo",
		Temperature:   0.7,
		MaxTokens:     2000,
		OpenAIAPIKey:  "sk-test",
		OpenAIBaseURL: srv.URL + "/",
	})
	require.NoError(t, err)

	reply, err := p.Complete(context.Background(), []chat.Message{
		{Role: chat.RoleUser, Content: "Hello"},
		{Role: chat.RoleAssistant, Content: "Hi"},
		{Role: chat.RoleUser, Content: "How are you?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)

	require.NotNil(t, body)
	assert.EqualValues(t, 2000, body["max_tokens"])
	assert.NotContains(t, body, "max_completion_tokens")
	assert.EqualValues(t, 0.7, body["temperature"])

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].(map[string]any)["role"])
}
