package prompt

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/middleware"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

// Handler prompt目录的HTTP处理器
type Handler struct {
	prompts prompt.Store
	logger  *zap.Logger
}

// New 创建prompt处理器
func New(prompts prompt.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{prompts: prompts, logger: logger.Named("prompt")}
}

// RegisterRoutes 注册prompt相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/categories", h.handleListCategories)
	r.Get("/prompts", h.handleListPrompts)
	r.Get("/prompts/{promptID}", h.handleGetPrompt)
	r.With(middleware.RequireAuth).Put("/prompts/{promptID}", h.handleCustomize)
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.prompts.Categories())
}

// handleListPrompts 列出prompt，可按 categoryId 过滤
func (h *Handler) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	if categoryID := r.URL.Query().Get("categoryId"); categoryID != "" {
		utils.RespondJSON(w, http.StatusOK, h.prompts.ListByCategory(categoryID))
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.prompts.List())
}

// handleGetPrompt 返回prompt；已登录用户得到自己修改过的文本
func (h *Handler) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	p, err := h.prompts.Resolve(r.Context(), user.ID, chi.URLParam(r, "promptID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

// handleCustomize 保存用户对prompt文本的修改
func (h *Handler) handleCustomize(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, _ := auth.FromContext(r.Context())
	promptID := chi.URLParam(r, "promptID")
	saved, changed, err := h.prompts.Customize(r.Context(), user.ID, promptID, payload.Text)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	if changed {
		h.logger.Info("prompt customised", zap.String("user", user.ID), zap.String("prompt", promptID))
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"prompt":  saved,
	})
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prompt.ErrPromptNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prompt.ErrTextRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, prompt.ErrUserRequired):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("prompt store failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
