package conversation

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/middleware"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	chatsvc "github.com/zhouzirui/promptdeck/backend/internal/service/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

// Handler 会话视图的HTTP处理器：打开、提交、关闭，以及事件推送
type Handler struct {
	registry *chatsvc.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New 创建会话处理器
func New(registry *chatsvc.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		logger:   logger.Named("conversation"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册会话路由，全部需要登录
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Post("/", h.handleOpen)
		r.Get("/{conversationID}", h.handleSnapshot)
		r.Delete("/{conversationID}", h.handleClose)
		r.Post("/{conversationID}/messages", h.handleSubmit)
		r.Get("/{conversationID}/events", h.handleEvents)
		r.Get("/{conversationID}/ws", h.handleWebSocket)
	})
	r.With(middleware.RequireAuth).Post("/auth/signout", h.handleSignOut)
}

// handleSignOut 让调用者打开的所有会话收到登出通知
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	n := h.registry.SignOut(user.ID)
	utils.RespondJSON(w, http.StatusOK, map[string]int{"conversations": n})
}

type openResponse struct {
	ID       string           `json:"id"`
	Snapshot chatsvc.Snapshot `json:"snapshot"`
}

// handleOpen 从 promptId 或 chatId 打开会话；两者都为空时打开空会话
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PromptID string `json:"promptId"`
		ChatID   string `json:"chatId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, _ := auth.FromContext(r.Context())
	var (
		conv *chatsvc.Conversation
		err  error
	)
	switch {
	case payload.ChatID != "":
		conv, err = h.registry.OpenFromTranscript(r.Context(), user, payload.ChatID)
	case payload.PromptID != "":
		conv, err = h.registry.OpenFromPrompt(r.Context(), user, payload.PromptID)
	default:
		conv, err = h.registry.OpenEmpty(user)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, openResponse{ID: conv.ID, Snapshot: conv.Reconciler.Snapshot()})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, openResponse{ID: conv.ID, Snapshot: conv.Reconciler.Snapshot()})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	if err := h.registry.Close(user, chi.URLParam(r, "conversationID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmit 提交一条用户消息并等待回复。客户端断开不会取消正在进行的请求。
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := conv.Reconciler.Submit(context.WithoutCancel(r.Context()), payload.Text)
	if err != nil && !errors.Is(err, chatsvc.ErrPersistence) {
		h.respondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*chatsvc.Conversation, bool) {
	user, _ := auth.FromContext(r.Context())
	conv, err := h.registry.Get(user, chi.URLParam(r, "conversationID"))
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	return conv, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("conversation request failed", zap.Int("status", status), zap.Error(err))
	}
	utils.RespondError(w, status, message)
}

// statusFor 把会话错误映射为HTTP状态码和对用户展示的信息
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, chatsvc.ErrValidation):
		return http.StatusBadRequest, "message text is required"
	case errors.Is(err, chatsvc.ErrNotAuthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, chatsvc.ErrRequestInFlight):
		return http.StatusConflict, "a reply is still pending"
	case errors.Is(err, chatsvc.ErrGateway):
		return http.StatusBadGateway, "Failed to get a response. Please try again."
	case errors.Is(err, chatsvc.ErrSessionClosed):
		return http.StatusGone, "conversation is closed"
	case errors.Is(err, chatsvc.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, prompt.ErrPromptNotFound):
		return http.StatusNotFound, "prompt not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "chat not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
