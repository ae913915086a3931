// Package chat reconciles one open conversation: it appends user turns,
// shows a placeholder while the completion gateway is working, appends the
// reply and writes the transcript back to the store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/observe"
)

const (
	DefaultPlaceholderDelay = 500 * time.Millisecond
	DefaultPlaceholderText  = "..."
)

var (
	ErrNotAuthenticated = auth.ErrNotAuthenticated
	ErrRequestInFlight  = errors.New("a request is already in flight for this conversation")
	ErrGateway          = errors.New("completion gateway failed")
	ErrPersistence      = errors.New("transcript could not be saved")
	ErrValidation       = errors.New("message text is empty")
	ErrSessionClosed    = errors.New("conversation is closed")
)

// Gateway produces one assistant reply for an ordered history.
type Gateway interface {
	Complete(ctx context.Context, messages []chat.Message) (string, error)
}

// TranscriptWriter is the part of the transcript store a Reconciler writes to.
type TranscriptWriter interface {
	Create(ctx context.Context, t chat.Transcript) (string, error)
	Update(ctx context.Context, t chat.Transcript) error
}

// Phase is the round-trip state of a conversation.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseSubmitted        Phase = "submitted"
	PhaseAwaitingReply    Phase = "awaiting_reply"
	PhasePlaceholderShown Phase = "placeholder_shown"
)

// Options configures a Reconciler. Gateway, Store and Identity are required.
type Options struct {
	Gateway          Gateway
	Store            TranscriptWriter
	Identity         auth.Identity
	Notifier         Notifier
	PlaceholderDelay time.Duration
	PlaceholderText  string
	Now              func() time.Time
	Logger           *zap.Logger
	Metrics          *observe.Metrics
}

// Result describes a resolved round-trip.
type Result struct {
	Reply        chat.Turn `json:"reply"`
	TranscriptID string    `json:"chatId"`
	Persisted    bool      `json:"persisted"`
}

// Snapshot is a read-only view of the conversation.
type Snapshot struct {
	TranscriptID string  `json:"chatId,omitempty"`
	PromptID     string  `json:"promptId,omitempty"`
	Title        string  `json:"title"`
	CategoryID   string  `json:"categoryId"`
	Turns        []Entry `json:"turns"`
	Phase        Phase   `json:"phase"`
	InFlight     bool    `json:"inFlight"`
}

// Reconciler owns one Session and allows at most one gateway round-trip
// at a time.
type Reconciler struct {
	gateway  Gateway
	store    TranscriptWriter
	identity auth.Identity
	notifier Notifier
	delay    time.Duration
	text     string
	now      func() time.Time
	logger   *zap.Logger
	metrics  *observe.Metrics

	unsubscribe func()

	mu            sync.Mutex
	session       Session
	phase         Phase
	inFlight      bool
	placeholderID string
	generation    uint64
	closed        bool
	resumeChecked bool
}

// NewReconciler takes ownership of session.
func NewReconciler(session Session, opts Options) (*Reconciler, error) {
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.Store == nil {
		return nil, errors.New("transcript store is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("identity is required")
	}

	r := &Reconciler{
		gateway:  opts.Gateway,
		store:    opts.Store,
		identity: opts.Identity,
		notifier: opts.Notifier,
		delay:    opts.PlaceholderDelay,
		text:     opts.PlaceholderText,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		session:  session,
		phase:    PhaseIdle,
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.delay <= 0 {
		r.delay = DefaultPlaceholderDelay
	}
	if r.text == "" {
		r.text = DefaultPlaceholderText
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.String("chat_id", session.ID), zap.String("owner", session.OwnerID))

	r.unsubscribe = r.identity.Subscribe(func(_ auth.User, signedIn bool) {
		if signedIn {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.closed {
			r.alertLocked(AlertNotAuthenticated)
		}
	})
	return r, nil
}

// Submit appends a user turn and runs one round-trip. The user turn is
// visible as soon as Submit is called; Submit returns once the reply has
// been appended and persisted, or the round-trip failed.
//
// A persistence failure still returns the reply, with ErrPersistence.
func (r *Reconciler) Submit(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrValidation
	}

	user, err := r.currentUser()
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	if err := r.beginLocked(user); err != nil {
		r.mu.Unlock()
		return Result{}, err
	}
	turn := chat.NewUserTurn(text, r.now())
	next, err := r.session.AppendTurn(turn)
	if err != nil {
		r.finishLocked()
		r.mu.Unlock()
		return Result{}, err
	}
	r.session = next
	r.emitLocked(Event{Type: EventTurnAppended, Turn: &Entry{Turn: turn}})
	gen := r.generation
	r.mu.Unlock()

	return r.roundTrip(ctx, gen)
}

// Snapshot returns the visible state, placeholder included.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		TranscriptID: r.session.ID,
		PromptID:     r.session.PromptID,
		Title:        r.session.Title,
		CategoryID:   r.session.CategoryID,
		Turns:        r.session.Entries(),
		Phase:        r.phase,
		InFlight:     r.inFlight,
	}
}

// Transcript returns the persistable form of the current session.
func (r *Reconciler) Transcript() chat.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Transcript()
}

// Close discards the conversation. A round-trip still running is allowed to
// finish, but its reply is dropped.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.generation++
	r.emitLocked(Event{Type: EventClosed})
	r.mu.Unlock()

	r.unsubscribe()
}

func (r *Reconciler) currentUser() (auth.User, error) {
	user, ok := r.identity.Current()
	if !ok {
		r.mu.Lock()
		r.alertLocked(AlertNotAuthenticated)
		r.mu.Unlock()
		return auth.User{}, ErrNotAuthenticated
	}
	return user, nil
}

// beginLocked moves Idle to Submitted.
func (r *Reconciler) beginLocked(user auth.User) error {
	if r.closed {
		return ErrSessionClosed
	}
	if r.inFlight {
		return ErrRequestInFlight
	}
	if r.session.OwnerID == "" {
		r.session.OwnerID = user.ID
	}
	if r.session.OwnerID != user.ID {
		return ErrNotAuthenticated
	}
	r.inFlight = true
	r.setPhaseLocked(PhaseSubmitted)
	return nil
}

func (r *Reconciler) finishLocked() {
	r.inFlight = false
	r.placeholderID = ""
	r.setPhaseLocked(PhaseIdle)
}

func (r *Reconciler) roundTrip(ctx context.Context, gen uint64) (Result, error) {
	r.mu.Lock()
	history := chat.Messages(r.session.Turns())
	r.setPhaseLocked(PhaseAwaitingReply)
	r.mu.Unlock()

	timerCtx, stopTimer := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.placeholderAfter(timerCtx, gen)
	}()

	started := time.Now()
	reply, err := r.gateway.Complete(ctx, history)
	stopTimer()
	wg.Wait()
	r.metrics.RecordGateway(ctx, time.Since(started), err != nil)

	r.mu.Lock()
	r.removePlaceholderLocked()

	if gen != r.generation {
		r.finishLocked()
		r.mu.Unlock()
		r.metrics.RecordRoundTrip(ctx, observe.OutcomeStale)
		r.logger.Info("dropped reply for closed conversation")
		return Result{}, ErrSessionClosed
	}

	if err != nil {
		r.alertLocked(AlertGateway)
		r.finishLocked()
		r.mu.Unlock()
		r.metrics.RecordRoundTrip(ctx, observe.OutcomeFailed)
		r.logger.Warn("completion gateway failed", zap.Int("history", len(history)), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	now := r.now()
	replyTurn := chat.NewAssistantTurn(reply, now)
	next, err := r.session.AppendTurn(replyTurn)
	if err != nil {
		r.finishLocked()
		r.mu.Unlock()
		return Result{}, err
	}
	next.UpdatedAt = now.UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now.UTC()
	}
	r.session = next
	r.emitLocked(Event{Type: EventTurnAppended, Turn: &Entry{Turn: replyTurn}})
	transcript := r.session.Transcript()
	r.mu.Unlock()

	id, persistErr := r.persist(ctx, transcript)

	r.mu.Lock()
	defer r.mu.Unlock()
	if persistErr != nil {
		r.alertLocked(AlertPersistence)
		r.finishLocked()
		r.metrics.RecordRoundTrip(ctx, observe.OutcomePersistFailed)
		r.logger.Error("failed to persist transcript", zap.Error(persistErr))
		return Result{Reply: replyTurn, TranscriptID: r.session.ID}, fmt.Errorf("%w: %w", ErrPersistence, persistErr)
	}

	if r.session.ID == "" {
		r.session.ID = id
	}
	r.emitLocked(Event{Type: EventPersisted, TranscriptID: r.session.ID})
	r.finishLocked()
	r.metrics.RecordRoundTrip(ctx, observe.OutcomeResolved)
	r.logger.Debug("round-trip resolved", zap.String("transcript", r.session.ID), zap.Int("turns", len(transcript.Turns)))
	return Result{Reply: replyTurn, TranscriptID: r.session.ID, Persisted: true}, nil
}

// persist updates the transcript when it already has an id and creates it
// otherwise.
func (r *Reconciler) persist(ctx context.Context, t chat.Transcript) (string, error) {
	if t.ID != "" {
		return t.ID, r.store.Update(ctx, t)
	}
	return r.store.Create(ctx, t)
}

func (r *Reconciler) placeholderAfter(ctx context.Context, gen uint64) {
	timer := time.NewTimer(r.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	r.showPlaceholder(ctx, gen)
}

// showPlaceholder inserts the pending entry at most once per round-trip.
func (r *Reconciler) showPlaceholder(ctx context.Context, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation || !r.inFlight {
		return
	}

	next, added := r.session.withPlaceholder(uuid.NewString(), r.text, r.now())
	if !added {
		return
	}
	r.session = next
	entries := next.Entries()
	placeholder := entries[len(entries)-1]
	r.placeholderID = placeholder.ID
	r.emitLocked(Event{Type: EventPlaceholderShown, Turn: &placeholder})
	r.setPhaseLocked(PhasePlaceholderShown)
	r.metrics.RecordPlaceholder(ctx)
}

func (r *Reconciler) removePlaceholderLocked() {
	if r.placeholderID == "" {
		return
	}
	id := r.placeholderID
	r.session = r.session.RemoveTurnByID(id)
	r.placeholderID = ""
	r.emitLocked(Event{Type: EventPlaceholderRemoved, TurnID: id})
}

func (r *Reconciler) setPhaseLocked(p Phase) {
	if r.phase == p {
		return
	}
	r.phase = p
	r.emitLocked(Event{Type: EventPhase, Phase: p})
}

func (r *Reconciler) alertLocked(kind AlertKind) {
	msg := alertGatewayMessage
	switch kind {
	case AlertPersistence:
		msg = alertPersistenceMessage
	case AlertNotAuthenticated:
		msg = alertNotAuthenticatedMessage
	}
	r.emitLocked(Event{Type: EventAlert, Alert: kind, Message: msg})
}

func (r *Reconciler) emitLocked(e Event) {
	e.At = r.now().UTC()
	if e.TranscriptID == "" {
		e.TranscriptID = r.session.ID
	}
	r.notifier.Notify(e)
}
