package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

const (
	errInvalidFormat = "Invalid request format"
	errProcessing    = "Failed to process chat message"
)

// Completer 是中转路由调用的补全服务
type Completer interface {
	Complete(ctx context.Context, messages []chat.Message) (string, error)
}

// Handler 把聊天历史转发给语言模型的HTTP处理器
type Handler struct {
	completer   Completer
	maxInFlight int
	logger      *zap.Logger
}

// New 创建中转处理器；maxInFlight 限制同时处理的请求数
func New(completer Completer, maxInFlight int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &Handler{completer: completer, maxInFlight: maxInFlight, logger: logger.Named("relay")}
}

// RegisterRoutes 注册 POST /chat/send
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(chimw.Throttle(h.maxInFlight)).Post("/chat/send", h.handleSend)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		h.logger.Warn("invalid relay body", zap.Error(err))
		utils.RespondErrorDetails(w, http.StatusBadRequest, errInvalidFormat, "Messages must be an array")
		return
	}

	var messages []chat.Message
	if len(payload.Messages) == 0 || payload.Messages[0] != '[' || json.Unmarshal(payload.Messages, &messages) != nil {
		utils.RespondErrorDetails(w, http.StatusBadRequest, errInvalidFormat, "Messages must be an array")
		return
	}
	if len(messages) == 0 {
		utils.RespondErrorDetails(w, http.StatusBadRequest, errInvalidFormat, "Messages must not be empty")
		return
	}
	for _, m := range messages {
		if err := m.Validate(); err != nil {
			utils.RespondErrorDetails(w, http.StatusBadRequest, errInvalidFormat, err.Error())
			return
		}
	}

	h.logger.Info("processing chat message", zap.Int("messages", len(messages)))

	reply, err := h.completer.Complete(r.Context(), messages)
	if err != nil {
		h.logger.Error("chat relay failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, errProcessing)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"response": reply})
}
