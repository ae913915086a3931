package conversation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/middleware"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	chatsvc "github.com/zhouzirui/promptdeck/backend/internal/service/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

type stubGateway struct {
	reply   string
	err     error
	started chan struct{}
	release chan struct{}
}

func (g *stubGateway) Complete(ctx context.Context, _ []chat.Message) (string, error) {
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

type fixture struct {
	router      *chi.Mux
	transcripts *store.MemoryStore
	gateway     *stubGateway
}

func setup(t *testing.T, gw *stubGateway) *fixture {
	t.Helper()
	transcripts := store.NewMemoryStore()
	registry, err := chatsvc.NewRegistry(chatsvc.RegistryOptions{
		Gateway:          gw,
		Store:            transcripts,
		Prompts:          prompt.NewMemoryStore(prompt.Seed()),
		PlaceholderDelay: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	verifier, err := auth.ParseTokens(aliceToken + ":alice," + bobToken + ":bob")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.Authenticate(verifier))
	New(registry, nil).RegisterRoutes(r)
	return &fixture{router: r, transcripts: transcripts, gateway: gw}
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func (f *fixture) open(t *testing.T, body string) openResponse {
	t.Helper()
	resp := f.do(http.MethodPost, "/conversations", aliceToken, body)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var out openResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func (f *fixture) snapshot(t *testing.T, id string) chatsvc.Snapshot {
	t.Helper()
	resp := f.do(http.MethodGet, "/conversations/"+id, aliceToken, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var out openResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Snapshot
}

func TestOpenAndSubmit(t *testing.T) {
	f := setup(t, &stubGateway{reply: "Hi there"})
	opened := f.open(t, "")
	assert.Empty(t, opened.Snapshot.Turns)

	resp := f.do(http.MethodPost, "/conversations/"+opened.ID+"/messages", aliceToken, `{"text":"Hello"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var res chatsvc.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.True(t, res.Persisted)
	assert.Equal(t, "Hi there", res.Reply.Text)
	assert.Equal(t, chat.SenderAssistant, res.Reply.Sender)

	snap := f.snapshot(t, opened.ID)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, res.TranscriptID, snap.TranscriptID)

	saved, err := f.transcripts.Get(context.Background(), "alice", res.TranscriptID)
	require.NoError(t, err)
	assert.Len(t, saved.Turns, 2)
}

func TestSubmitErrors(t *testing.T) {
	f := setup(t, &stubGateway{err: errors.New("offline")})
	opened := f.open(t, "{}")
	path := "/conversations/" + opened.ID + "/messages"

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, path, aliceToken, `{"text":"   "}`).Code)
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodPost, path, aliceToken, `{"text":"Hello"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, path, bobToken, `{"text":"Hello"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, path, "", `{"text":"Hello"}`).Code)

	snap := f.snapshot(t, opened.ID)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "Hello", snap.Turns[0].Text)
}

func TestSubmitWhilePending(t *testing.T) {
	gw := &stubGateway{reply: "done", started: make(chan struct{}, 1), release: make(chan struct{})}
	f := setup(t, gw)
	opened := f.open(t, "")
	path := "/conversations/" + opened.ID + "/messages"

	first := make(chan int, 1)
	go func() { first <- f.do(http.MethodPost, path, aliceToken, `{"text":"one"}`).Code }()
	<-gw.started

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, path, aliceToken, `{"text":"two"}`).Code)
	close(gw.release)
	assert.Equal(t, http.StatusOK, <-first)
}

func TestOpenFromChatResumes(t *testing.T) {
	f := setup(t, &stubGateway{reply: "answer"})
	id, err := f.transcripts.Create(context.Background(), chat.Transcript{
		OwnerID: "alice",
		Turns:   []chat.Turn{chat.NewUserTurn("draft text", time.Now())},
	})
	require.NoError(t, err)

	opened := f.open(t, `{"chatId":"`+id+`"}`)
	require.Eventually(t, func() bool {
		snap := f.snapshot(t, opened.ID)
		return len(snap.Turns) == 2 && !snap.InFlight
	}, 2*time.Second, 10*time.Millisecond)

	resp := f.do(http.MethodPost, "/conversations", bobToken, `{"chatId":"`+id+`"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestOpenUnknownPrompt(t *testing.T) {
	f := setup(t, &stubGateway{})
	resp := f.do(http.MethodPost, "/conversations", aliceToken, `{"promptId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCloseConversation(t *testing.T) {
	f := setup(t, &stubGateway{})
	opened := f.open(t, "")

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/conversations/"+opened.ID, bobToken, "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/conversations/"+opened.ID, aliceToken, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/conversations/"+opened.ID, aliceToken, "").Code)
}

func TestSignOut(t *testing.T) {
	f := setup(t, &stubGateway{reply: "unused"})
	opened := f.open(t, "")

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/auth/signout", "", "").Code)

	resp := f.do(http.MethodPost, "/auth/signout", bobToken, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"conversations":0}`, resp.Body.String())

	resp = f.do(http.MethodPost, "/auth/signout", aliceToken, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"conversations":1}`, resp.Body.String())

	path := "/conversations/" + opened.ID + "/messages"
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, path, aliceToken, `{"text":"Hello"}`).Code)
	assert.Empty(t, f.snapshot(t, opened.ID).Turns)
}

func TestEventStream(t *testing.T) {
	f := setup(t, &stubGateway{reply: "streamed"})
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	opened := f.open(t, "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/conversations/"+opened.ID+"/events?access_token="+aliceToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(event string) {
		t.Helper()
		for lines.Scan() {
			if lines.Text() == "event: "+event {
				return
			}
		}
		t.Fatalf("stream ended before %s", event)
	}
	waitFor("snapshot")

	submit, err := http.NewRequest(http.MethodPost, srv.URL+"/conversations/"+opened.ID+"/messages", bytes.NewBufferString(`{"text":"Hello"}`))
	require.NoError(t, err)
	submit.Header.Set("Authorization", "Bearer "+aliceToken)
	submitResp, err := http.DefaultClient.Do(submit)
	require.NoError(t, err)
	submitResp.Body.Close()

	waitFor(string(chatsvc.EventTurnAppended))
	waitFor(string(chatsvc.EventPersisted))
}

func TestWebSocketSubmit(t *testing.T) {
	f := setup(t, &stubGateway{reply: "over the wire"})
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	opened := f.open(t, "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/conversations/" + opened.ID + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + aliceToken}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first outgoingMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "message", Text: "Hello"}))

	var result struct {
		Type string         `json:"type"`
		Data chatsvc.Result `json:"data"`
	}
	for {
		require.NoError(t, conn.ReadJSON(&result))
		if result.Type == "result" {
			break
		}
	}
	assert.Equal(t, "over the wire", result.Data.Reply.Text)
	assert.True(t, result.Data.Persisted)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{chatsvc.ErrValidation, http.StatusBadRequest},
		{chatsvc.ErrNotAuthenticated, http.StatusUnauthorized},
		{chatsvc.ErrRequestInFlight, http.StatusConflict},
		{chatsvc.ErrGateway, http.StatusBadGateway},
		{chatsvc.ErrSessionClosed, http.StatusGone},
		{chatsvc.ErrConversationNotFound, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}
