package conversation

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

// handleEvents 以SSE推送会话事件，首条消息为当前快照
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := conv.Events.Subscribe()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "snapshot", conv.Reconciler.Snapshot()); err != nil {
		return
	}

	h.logger.Debug("event stream opened", zap.String("conversation", conv.ID))
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", zap.String("conversation", conv.ID))
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(e.Type), e); err != nil {
				return
			}
		}
	}
}
