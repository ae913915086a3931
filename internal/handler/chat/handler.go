package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/middleware"
	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

// Handler 已保存聊天记录的HTTP处理器
type Handler struct {
	transcripts store.TranscriptStore
	logger      *zap.Logger
}

// New 创建聊天处理器
func New(transcripts store.TranscriptStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{transcripts: transcripts, logger: logger.Named("chats")}
}

// RegisterRoutes 注册聊天相关的路由，全部需要登录
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Get("/", h.handleList)
		r.Get("/{chatID}", h.handleGet)
		r.Delete("/{chatID}", h.handleDelete)
	})
}

// handleList 按更新时间倒序列出当前用户的聊天
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	transcripts, err := h.transcripts.ListByOwner(r.Context(), user.ID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if transcripts == nil {
		transcripts = []chat.Transcript{}
	}
	utils.RespondJSON(w, http.StatusOK, transcripts)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	t, err := h.transcripts.Get(r.Context(), user.ID, chi.URLParam(r, "chatID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, t)
}

// handleDelete 删除聊天；删除不存在的记录同样返回 204
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if err := h.transcripts.Delete(r.Context(), user.ID, chatID); err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.logger.Info("chat deleted", zap.String("user", user.ID), zap.String("chat_id", chatID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, store.ErrOwnerRequired):
		utils.RespondError(w, http.StatusUnauthorized, "authentication required")
	default:
		h.logger.Error("transcript store failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
