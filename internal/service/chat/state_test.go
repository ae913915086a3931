package chat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	chatsvc "github.com/zhouzirui/promptdeck/backend/internal/service/chat"
)

func TestInitFromPrompt(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s := chatsvc.InitFromPrompt(prompt.Prompt{ID: "work-1", Title: "Meeting Summary", Text: "Summarise my notes", CategoryID: "work"}, "user-1", now)

	assert.Empty(t, s.ID)
	assert.Equal(t, "work-1", s.PromptID)
	assert.Equal(t, "Meeting Summary", s.Title)
	assert.Equal(t, "work", s.CategoryID)
	require.Len(t, s.Turns(), 1)
	assert.Equal(t, chat.SenderUser, s.Turns()[0].Sender)
	assert.Equal(t, "Summarise my notes", s.Turns()[0].Text)
}

func TestInitFromPromptDefaults(t *testing.T) {
	s := chatsvc.InitFromPrompt(prompt.Prompt{ID: "p", Text: "x"}, "user-1", time.Now())
	assert.Equal(t, chat.DefaultTitle, s.Title)
	assert.Equal(t, chat.DefaultCategoryID, s.CategoryID)
}

func TestInitFromTranscript(t *testing.T) {
	turns := []chat.Turn{chat.NewUserTurn("a", time.Now()), chat.NewAssistantTurn("b", time.Now())}
	s := chatsvc.InitFromTranscript(chat.Transcript{ID: "chat-1", OwnerID: "user-1", Turns: turns})

	assert.Equal(t, "chat-1", s.ID)
	assert.Equal(t, turns, s.Turns())
	assert.Equal(t, chat.DefaultTitle, s.Title)
}

func TestAppendTurnIsCopyOnWrite(t *testing.T) {
	base := chatsvc.NewSession("user-1", time.Now())
	first := chat.NewUserTurn("one", time.Now())

	s1, err := base.AppendTurn(first)
	require.NoError(t, err)
	s2, err := s1.AppendTurn(chat.NewAssistantTurn("two", time.Now()))
	require.NoError(t, err)

	assert.Empty(t, base.Turns())
	assert.Len(t, s1.Turns(), 1)
	assert.Len(t, s2.Turns(), 2)

	_, err = s2.AppendTurn(first)
	assert.ErrorIs(t, err, chatsvc.ErrDuplicateTurnID)
}

func TestRemoveTurnByID(t *testing.T) {
	a := chat.NewUserTurn("a", time.Now())
	b := chat.NewAssistantTurn("b", time.Now())
	s := chatsvc.InitFromTranscript(chat.Transcript{ID: "c", Turns: []chat.Turn{a, b}})

	removed := s.RemoveTurnByID(a.ID)
	assert.Equal(t, []chat.Turn{b}, removed.Turns())
	assert.Equal(t, []chat.Turn{a, b}, s.Turns())

	unchanged := s.RemoveTurnByID("missing")
	assert.Equal(t, s.Turns(), unchanged.Turns())
}

func TestTranscriptCarriesSessionFields(t *testing.T) {
	s := chatsvc.InitFromPrompt(prompt.Prompt{ID: "health-1", Title: "Workout", Text: "plan", CategoryID: "health"}, "user-1", time.Now())
	tr := s.Transcript()

	assert.Equal(t, "user-1", tr.OwnerID)
	assert.Equal(t, "health-1", tr.PromptID)
	assert.Equal(t, "Workout", tr.PromptTitle)
	assert.Equal(t, "health", tr.PromptCategoryID)
	assert.Len(t, tr.Turns, 1)
	assert.False(t, s.HasPlaceholder())
}
