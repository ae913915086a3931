package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	chatsvc "github.com/zhouzirui/promptdeck/backend/internal/service/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type registryFixture struct {
	registry *chatsvc.Registry
	gateway  *fakeGateway
	store    *store.MemoryStore
	prompts  *prompt.MemoryStore
	clock    *fakeClock
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	return newRegistryFixtureWith(t, &fakeGateway{reply: "Here you go"})
}

func newRegistryFixtureWith(t *testing.T, gw *fakeGateway) *registryFixture {
	t.Helper()
	f := &registryFixture{
		gateway: gw,
		store:   store.NewMemoryStore(),
		prompts: prompt.NewMemoryStore(prompt.Seed()),
		clock:   &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	reg, err := chatsvc.NewRegistry(chatsvc.RegistryOptions{
		Gateway:          f.gateway,
		Store:            f.store,
		Prompts:          f.prompts,
		PlaceholderDelay: time.Hour,
		IdleTimeout:      time.Minute,
		Now:              f.clock.Now,
	})
	require.NoError(t, err)
	f.registry = reg
	t.Cleanup(func() { require.NoError(t, reg.Shutdown(context.Background())) })
	return f
}

func waitIdle(t *testing.T, conv *chatsvc.Conversation, turns int) chatsvc.Snapshot {
	t.Helper()
	var snap chatsvc.Snapshot
	require.Eventually(t, func() bool {
		snap = conv.Reconciler.Snapshot()
		return !snap.InFlight && len(snap.Turns) == turns && snap.TranscriptID != ""
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestOpenFromPromptAnswersPromptAndSaves(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	conv, err := f.registry.OpenFromPrompt(ctx, testUser, "work-1")
	require.NoError(t, err)
	assert.Equal(t, testUser.ID, conv.OwnerID)

	snap := waitIdle(t, conv, 2)
	p, _ := f.prompts.FindByID("work-1")
	assert.Equal(t, p.Text, snap.Turns[0].Text)
	assert.Equal(t, "Here you go", snap.Turns[1].Text)

	saved, err := f.store.ListByOwner(ctx, testUser.ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, snap.TranscriptID, saved[0].ID)
	assert.Equal(t, "work-1", saved[0].PromptID)
	assert.Equal(t, p.Title, saved[0].PromptTitle)
	assert.Equal(t, p.CategoryID, saved[0].PromptCategoryID)
}

func TestOpenFromPromptReusesSavedChat(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	first, err := f.registry.OpenFromPrompt(ctx, testUser, "health-1")
	require.NoError(t, err)
	snap := waitIdle(t, first, 2)
	require.NoError(t, f.registry.Close(testUser, first.ID))

	second, err := f.registry.OpenFromPrompt(ctx, testUser, "health-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	reopened := second.Reconciler.Snapshot()
	assert.Equal(t, snap.TranscriptID, reopened.TranscriptID)
	assert.Len(t, reopened.Turns, 2)

	require.NoError(t, f.registry.Shutdown(ctx))
	assert.Len(t, f.gateway.Calls(), 1, "answered chat must not be resumed")
}

func TestOpenFromPromptReusesViewAwaitingFirstReply(t *testing.T) {
	gw := newBlockingGateway("Here you go")
	f := newRegistryFixtureWith(t, gw)
	ctx := context.Background()

	first, err := f.registry.OpenFromPrompt(ctx, testUser, "work-1")
	require.NoError(t, err)
	gw.waitStarted(t)

	second, err := f.registry.OpenFromPrompt(ctx, testUser, "work-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.registry.Len())

	close(gw.release)
	waitIdle(t, first, 2)
	require.NoError(t, f.registry.Shutdown(ctx))

	assert.Len(t, gw.Calls(), 1)
	saved, err := f.store.ListByOwner(ctx, testUser.ID)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestOpenFromPromptConcurrent(t *testing.T) {
	gw := newBlockingGateway("Here you go")
	f := newRegistryFixtureWith(t, gw)
	ctx := context.Background()

	const openers = 6
	views := make(chan *chatsvc.Conversation, openers)
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := f.registry.OpenFromPrompt(ctx, testUser, "work-1")
			assert.NoError(t, err)
			views <- conv
		}()
	}
	wg.Wait()
	close(views)

	var first *chatsvc.Conversation
	for conv := range views {
		if first == nil {
			first = conv
		}
		assert.Same(t, first, conv)
	}

	close(gw.release)
	waitIdle(t, first, 2)
	require.NoError(t, f.registry.Shutdown(ctx))
	assert.Len(t, gw.Calls(), 1)
}

func TestOpenFromTranscriptConcurrentResumesOnce(t *testing.T) {
	gw := newBlockingGateway("answer")
	f := newRegistryFixtureWith(t, gw)
	ctx := context.Background()

	id, err := f.store.Create(ctx, chat.Transcript{
		OwnerID: testUser.ID,
		Turns:   []chat.Turn{chat.NewUserTurn("draft text", f.clock.Now())},
	})
	require.NoError(t, err)

	const openers = 6
	views := make(chan *chatsvc.Conversation, openers)
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := f.registry.OpenFromTranscript(ctx, testUser, id)
			assert.NoError(t, err)
			views <- conv
		}()
	}
	wg.Wait()
	close(views)
	assert.Equal(t, 1, f.registry.Len())

	close(gw.release)
	for conv := range views {
		waitIdle(t, conv, 2)
	}
	require.NoError(t, f.registry.Shutdown(ctx))
	assert.Len(t, gw.Calls(), 1)

	saved, err := f.store.Get(ctx, testUser.ID, id)
	require.NoError(t, err)
	assert.Len(t, saved.Turns, 2)
}

func TestSubmitDuringResume(t *testing.T) {
	gw := newBlockingGateway("answer")
	f := newRegistryFixtureWith(t, gw)
	ctx := context.Background()

	id, err := f.store.Create(ctx, chat.Transcript{
		OwnerID: testUser.ID,
		Turns:   []chat.Turn{chat.NewUserTurn("draft text", f.clock.Now())},
	})
	require.NoError(t, err)

	conv, err := f.registry.OpenFromTranscript(ctx, testUser, id)
	require.NoError(t, err)
	gw.waitStarted(t)

	_, err = conv.Reconciler.Submit(ctx, "are you there?")
	assert.ErrorIs(t, err, chatsvc.ErrRequestInFlight)

	// The timer firing more than once still shows a single placeholder.
	conv.Reconciler.ShowPlaceholder()
	conv.Reconciler.ShowPlaceholder()
	snap := conv.Reconciler.Snapshot()
	assert.Equal(t, 1, pendingCount(snap.Turns))
	assert.Len(t, snap.Turns, 2)

	close(gw.release)
	snap = waitIdle(t, conv, 2)
	assert.Zero(t, pendingCount(snap.Turns))
	assert.Equal(t, []turnView{
		{Sender: chat.SenderUser, Text: "draft text"},
		{Sender: chat.SenderAssistant, Text: "answer"},
	}, viewTurns(chatTurns(snap.Turns)))

	require.NoError(t, f.registry.Shutdown(ctx))
	assert.Len(t, gw.Calls(), 1)
}

func TestOpenFromPromptUsesCustomisedText(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	_, changed, err := f.prompts.Customize(ctx, testUser.ID, "creative-1", "Write a haiku about Go")
	require.NoError(t, err)
	require.True(t, changed)

	conv, err := f.registry.OpenFromPrompt(ctx, testUser, "creative-1")
	require.NoError(t, err)
	snap := waitIdle(t, conv, 2)
	assert.Equal(t, "Write a haiku about Go", snap.Turns[0].Text)
}

func TestOpenFromPromptUnknown(t *testing.T) {
	f := newRegistryFixture(t)

	_, err := f.registry.OpenFromPrompt(context.Background(), testUser, "missing")
	assert.ErrorIs(t, err, prompt.ErrPromptNotFound)
	assert.Zero(t, f.registry.Len())
}

func TestOpenFromTranscriptResumesOnce(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.store.Create(ctx, chat.Transcript{
		OwnerID: testUser.ID,
		Turns:   []chat.Turn{chat.NewUserTurn("draft text", f.clock.Now())},
	})
	require.NoError(t, err)

	conv, err := f.registry.OpenFromTranscript(ctx, testUser, id)
	require.NoError(t, err)
	waitIdle(t, conv, 2)

	// Opening the same chat again returns the view already open.
	again, err := f.registry.OpenFromTranscript(ctx, testUser, id)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	require.NoError(t, f.registry.Shutdown(ctx))
	require.Len(t, f.gateway.Calls(), 1)
	assert.Equal(t, []chat.Message{{Role: chat.RoleUser, Content: "draft text"}}, f.gateway.Calls()[0])

	saved, err := f.store.Get(ctx, testUser.ID, id)
	require.NoError(t, err)
	assert.Len(t, saved.Turns, 2)
}

func TestOpenFromTranscriptOwnership(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.store.Create(ctx, chat.Transcript{OwnerID: "someone-else"})
	require.NoError(t, err)

	_, err = f.registry.OpenFromTranscript(ctx, testUser, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.registry.OpenFromTranscript(ctx, auth.User{}, id)
	assert.ErrorIs(t, err, chatsvc.ErrNotAuthenticated)
}

func TestRegistryGetAndClose(t *testing.T) {
	f := newRegistryFixture(t)

	conv, err := f.registry.OpenEmpty(testUser)
	require.NoError(t, err)

	got, err := f.registry.Get(testUser, conv.ID)
	require.NoError(t, err)
	assert.Same(t, conv, got)

	_, err = f.registry.Get(auth.User{ID: "intruder"}, conv.ID)
	assert.ErrorIs(t, err, chatsvc.ErrConversationNotFound)
	assert.ErrorIs(t, f.registry.Close(auth.User{ID: "intruder"}, conv.ID), chatsvc.ErrConversationNotFound)

	events, cancel := conv.Events.Subscribe()
	defer cancel()

	require.NoError(t, f.registry.Close(testUser, conv.ID))
	_, err = f.registry.Get(testUser, conv.ID)
	assert.ErrorIs(t, err, chatsvc.ErrConversationNotFound)

	var last chatsvc.Event
	for e := range events {
		last = e
	}
	assert.Equal(t, chatsvc.EventClosed, last.Type)
}

func TestRegistryEmptyConversationRoundTrip(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	conv, err := f.registry.OpenEmpty(testUser)
	require.NoError(t, err)

	res, err := conv.Reconciler.Submit(ctx, "Hello")
	require.NoError(t, err)
	assert.True(t, res.Persisted)

	saved, err := f.store.Get(ctx, testUser.ID, res.TranscriptID)
	require.NoError(t, err)
	assert.Equal(t, chat.DefaultTitle, saved.PromptTitle)
	assert.Len(t, saved.Turns, 2)
}

func TestRegistryCloseIdle(t *testing.T) {
	f := newRegistryFixture(t)

	stale, err := f.registry.OpenEmpty(testUser)
	require.NoError(t, err)
	f.clock.Advance(45 * time.Second)
	fresh, err := f.registry.OpenEmpty(testUser)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	assert.Equal(t, 1, f.registry.CloseIdle())
	_, err = f.registry.Get(testUser, stale.ID)
	assert.ErrorIs(t, err, chatsvc.ErrConversationNotFound)
	_, err = f.registry.Get(testUser, fresh.ID)
	assert.NoError(t, err)
}

func TestRegistrySignOut(t *testing.T) {
	f := newRegistryFixture(t)

	conv, err := f.registry.OpenEmpty(testUser)
	require.NoError(t, err)

	assert.Equal(t, 1, f.registry.SignOut(testUser.ID))
	assert.Zero(t, f.registry.SignOut("nobody"))
	_, err = conv.Reconciler.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, chatsvc.ErrNotAuthenticated)
}

func TestReopenAfterSignOutSignsBackIn(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	conv, err := f.registry.OpenFromPrompt(ctx, testUser, "work-1")
	require.NoError(t, err)
	waitIdle(t, conv, 2)

	f.registry.SignOut(testUser.ID)
	_, err = conv.Reconciler.Submit(ctx, "more please")
	require.ErrorIs(t, err, chatsvc.ErrNotAuthenticated)

	again, err := f.registry.OpenFromPrompt(ctx, testUser, "work-1")
	require.NoError(t, err)
	assert.Same(t, conv, again)

	_, err = again.Reconciler.Submit(ctx, "more please")
	assert.NoError(t, err)
}

func TestRunJanitorStopsWithContext(t *testing.T) {
	f := newRegistryFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.registry.RunJanitor(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
