package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	"github.com/zhouzirui/promptdeck/backend/internal/observe"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is one open view: a Reconciler and the broadcaster its
// events go to.
type Conversation struct {
	ID         string
	OwnerID    string
	Reconciler *Reconciler
	Events     *Broadcaster

	identity *auth.Watcher
	lastSeen atomic.Int64
}

func (c *Conversation) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *Conversation) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *Conversation) close() {
	c.Reconciler.Close()
	c.Events.Close()
}

// RegistryOptions configures the conversations a Registry opens.
type RegistryOptions struct {
	Gateway          Gateway
	Store            store.TranscriptStore
	Prompts          prompt.Store
	PlaceholderDelay time.Duration
	PlaceholderText  string
	IdleTimeout      time.Duration
	EventBuffer      int
	Now              func() time.Time
	Logger           *zap.Logger
	Metrics          *observe.Metrics
}

// Registry tracks the open conversations of every user.
type Registry struct {
	opts   RegistryOptions
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	resumes sync.WaitGroup

	// openMu serialises opens so a lookup and the insert it guards cannot
	// interleave with another open.
	openMu sync.Mutex
	mu     sync.RWMutex
	views map[string]*Conversation
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Gateway == nil || opts.Store == nil || opts.Prompts == nil {
		return nil, errors.New("gateway, transcript store and prompt store are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:   opts,
		logger: opts.Logger.Named("conversations"),
		ctx:    ctx,
		cancel: cancel,
		views:  make(map[string]*Conversation),
	}, nil
}

// OpenFromPrompt opens a conversation for promptID. A view of the same
// prompt already open for user is returned as is, even before its first
// save. Otherwise a saved chat of the prompt is loaded when one exists, and
// failing that a new session starts from the prompt text as customised by
// the user.
func (r *Registry) OpenFromPrompt(ctx context.Context, user auth.User, promptID string) (*Conversation, error) {
	if user.ID == "" {
		return nil, ErrNotAuthenticated
	}

	r.openMu.Lock()
	defer r.openMu.Unlock()

	if conv := r.findOpen(user, func(s Snapshot) bool { return promptID != "" && s.PromptID == promptID }); conv != nil {
		return conv, nil
	}

	saved, err := r.opts.Store.ListByOwner(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list saved chats: %w", err)
	}
	for _, t := range saved {
		if t.PromptID == promptID {
			return r.openTranscript(user, t)
		}
	}

	p, err := r.opts.Prompts.Resolve(ctx, user.ID, promptID)
	if err != nil {
		return nil, err
	}
	return r.open(user, InitFromPrompt(p, user.ID, r.opts.Now()))
}

// OpenFromTranscript loads the saved chat chatID of user.
func (r *Registry) OpenFromTranscript(ctx context.Context, user auth.User, chatID string) (*Conversation, error) {
	if user.ID == "" {
		return nil, ErrNotAuthenticated
	}
	r.openMu.Lock()
	defer r.openMu.Unlock()

	t, err := r.opts.Store.Get(ctx, user.ID, chatID)
	if err != nil {
		return nil, err
	}
	return r.openTranscript(user, t)
}

// OpenEmpty starts a conversation with no turns.
func (r *Registry) OpenEmpty(user auth.User) (*Conversation, error) {
	if user.ID == "" {
		return nil, ErrNotAuthenticated
	}
	return r.open(user, NewSession(user.ID, r.opts.Now()))
}

// openTranscript must be called with openMu held.
func (r *Registry) openTranscript(user auth.User, t chat.Transcript) (*Conversation, error) {
	if conv := r.findOpen(user, func(s Snapshot) bool { return s.TranscriptID == t.ID }); conv != nil {
		return conv, nil
	}
	return r.open(user, InitFromTranscript(t))
}

// findOpen returns an open view of user whose state satisfies match,
// signing it back in if user had signed out of it.
func (r *Registry) findOpen(user auth.User, match func(Snapshot) bool) *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.views {
		if c.OwnerID != user.ID || !match(c.Reconciler.Snapshot()) {
			continue
		}
		if _, ok := c.identity.Current(); !ok {
			c.identity.SignIn(user)
		}
		c.touch(r.opts.Now())
		return c
	}
	return nil
}

func (r *Registry) open(user auth.User, session Session) (*Conversation, error) {
	conv := &Conversation{
		ID:       uuid.NewString(),
		OwnerID:  user.ID,
		Events:   NewBroadcaster(r.opts.EventBuffer),
		identity: auth.NewWatcher(user),
	}

	rec, err := NewReconciler(session, Options{
		Gateway:          r.opts.Gateway,
		Store:            r.opts.Store,
		Identity:         conv.identity,
		Notifier:         conv.Events,
		PlaceholderDelay: r.opts.PlaceholderDelay,
		PlaceholderText:  r.opts.PlaceholderText,
		Now:              r.opts.Now,
		Logger:           r.logger.With(zap.String("conversation", conv.ID)),
		Metrics:          r.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	conv.Reconciler = rec
	conv.touch(r.opts.Now())

	r.mu.Lock()
	r.views[conv.ID] = conv
	r.mu.Unlock()
	r.opts.Metrics.ConversationOpened(r.ctx, 1)

	r.resumes.Add(1)
	go func() {
		defer r.resumes.Done()
		if _, fired, err := rec.Resume(r.ctx); fired && err != nil {
			r.logger.Warn("resume failed", zap.String("conversation", conv.ID), zap.Error(err))
		}
	}()

	r.logger.Info("conversation opened",
		zap.String("conversation", conv.ID),
		zap.String("owner", user.ID),
		zap.String("chat_id", session.ID),
		zap.String("prompt_id", session.PromptID))
	return conv, nil
}

// Get returns the open conversation id owned by user.
func (r *Registry) Get(user auth.User, id string) (*Conversation, error) {
	r.mu.RLock()
	conv, ok := r.views[id]
	r.mu.RUnlock()
	if !ok || conv.OwnerID != user.ID {
		return nil, ErrConversationNotFound
	}
	conv.touch(r.opts.Now())
	return conv, nil
}

// Close discards the open conversation id.
func (r *Registry) Close(user auth.User, id string) error {
	r.mu.Lock()
	conv, ok := r.views[id]
	if !ok || conv.OwnerID != user.ID {
		r.mu.Unlock()
		return ErrConversationNotFound
	}
	delete(r.views, id)
	r.mu.Unlock()

	conv.close()
	r.opts.Metrics.ConversationOpened(r.ctx, -1)
	r.logger.Info("conversation closed", zap.String("conversation", id))
	return nil
}

// SignOut signs user out of every conversation they have open and reports
// how many were affected. The views stay open; reopening one signs it back in.
func (r *Registry) SignOut(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conv := range r.views {
		if conv.OwnerID == userID {
			conv.identity.SignOut()
			n++
		}
	}
	if n > 0 {
		r.logger.Info("signed out", zap.String("owner", userID), zap.Int("conversations", n))
	}
	return n
}

// Len reports how many conversations are open.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// CloseIdle closes conversations untouched for longer than the idle
// timeout and reports how many were closed. Conversations with a
// round-trip in flight are kept.
func (r *Registry) CloseIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.opts.Now()

	r.mu.Lock()
	var idle []*Conversation
	for id, conv := range r.views {
		if conv.idleSince(now) > r.opts.IdleTimeout && !conv.Reconciler.Snapshot().InFlight {
			idle = append(idle, conv)
			delete(r.views, id)
		}
	}
	r.mu.Unlock()

	for _, conv := range idle {
		conv.close()
		r.opts.Metrics.ConversationOpened(r.ctx, -1)
		r.logger.Info("closed idle conversation", zap.String("conversation", conv.ID))
	}
	return len(idle)
}

// RunJanitor calls CloseIdle every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CloseIdle()
		}
	}
}

// Shutdown closes every conversation and waits for background resumes,
// cancelling them if ctx ends first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*Conversation)
	r.mu.Unlock()

	for _, conv := range views {
		conv.close()
		r.opts.Metrics.ConversationOpened(r.ctx, -1)
	}

	done := make(chan struct{})
	go func() {
		r.resumes.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
