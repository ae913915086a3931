package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/config"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
)

// FallbackReply is returned when the model answers with no content.
const FallbackReply = "Sorry, I could not generate a response."

var (
	ErrEmptyHistory = errors.New("conversation history is empty")
	ErrDisabled     = errors.New("ai provider is not configured")
)

// Provider sends one ordered history to a language model and returns its
// complete reply.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []chat.Message) (string, error)
}

// Service is the in-process completion gateway: it validates the history,
// bounds the call with a timeout and delegates to the configured provider.
type Service struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
}

// NewService builds the provider selected by cfg.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}

	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case config.ProviderArk:
		provider, err = NewArkProvider(ctx, cfg)
	default:
		provider, err = NewOpenAIProvider(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}
	return NewServiceWithProvider(provider, cfg.Timeout, logger), nil
}

// NewServiceWithProvider wraps an existing provider.
func NewServiceWithProvider(provider Provider, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{provider: provider, timeout: timeout, logger: logger.Named("ai")}
}

// Complete implements the completion gateway contract: one ordered history
// in, one complete assistant reply out.
func (s *Service) Complete(ctx context.Context, messages []chat.Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyHistory
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return "", fmt.Errorf("message %d: %w", i, err)
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	reply, err := s.provider.Complete(ctx, messages)
	if err != nil {
		s.logger.Error("completion failed",
			zap.String("provider", s.provider.Name()),
			zap.Int("messages", len(messages)),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return "", fmt.Errorf("failed to get response from %s: %w", s.provider.Name(), err)
	}

	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}

	s.logger.Info("completion generated",
		zap.String("provider", s.provider.Name()),
		zap.Int("messages", len(messages)),
		zap.Int("length", len(reply)),
		zap.Duration("elapsed", time.Since(started)))
	return reply, nil
}
