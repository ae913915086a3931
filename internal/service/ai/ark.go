package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/promptdeck/backend/internal/config"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
)

// ArkProvider runs the history through an eino chain ending in a Volcengine
// Ark chat model.
type ArkProvider struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
}

// NewArkProvider creates the Ark chat model from cfg and compiles the chain.
func NewArkProvider(ctx context.Context, cfg config.AIConfig) (*ArkProvider, error) {
	chatModel, err := cfg.NewArkChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewChainProvider(ctx, chatModel, cfg.SystemPrompt)
}

// NewChainProvider compiles a chain around any eino chat model.
func NewChainProvider(ctx context.Context, chatModel model.ChatModel, systemPrompt string) (*ArkProvider, error) {
	templates := []schema.MessagesTemplate{}
	if systemPrompt != "" {
		templates = append(templates, schema.SystemMessage("{system}"))
	}
	templates = append(templates, schema.MessagesPlaceholder("history", false))

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(prompt.FromMessages(schema.FString, templates...))
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &ArkProvider{chain: runnable, systemPrompt: systemPrompt}, nil
}

func (p *ArkProvider) Name() string { return config.ProviderArk }

func (p *ArkProvider) Complete(ctx context.Context, messages []chat.Message) (string, error) {
	input := map[string]any{"history": toSchemaMessages(messages)}
	if p.systemPrompt != "" {
		input["system"] = p.systemPrompt
	}

	response, err := p.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", nil
	}
	return response.Content, nil
}

func toSchemaMessages(messages []chat.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
