package conversation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatsvc "github.com/zhouzirui/promptdeck/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type errorData struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// handleWebSocket 在一个连接上推送会话事件并接收 {type:"message", text} 提交
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := conv.Events.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	out := make(chan outgoingMessage, 16)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, conn, events, out)
	}()

	send := func(msg outgoingMessage) {
		msg.Timestamp = time.Now().Unix()
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}
	send(outgoingMessage{Type: "snapshot", Data: conv.Reconciler.Snapshot()})

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("conversation", conv.ID), zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.Type != "message" {
			send(outgoingMessage{Type: "error", Data: errorData{Status: http.StatusBadRequest, Message: "unsupported message type"}})
			continue
		}

		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			res, err := conv.Reconciler.Submit(context.WithoutCancel(ctx), text)
			if err != nil && !errors.Is(err, chatsvc.ErrPersistence) {
				status, message := statusFor(err)
				send(outgoingMessage{Type: "error", Data: errorData{Status: status, Message: message}})
				return
			}
			send(outgoingMessage{Type: "result", Data: res})
		}(msg.Text)
	}

	cancel()
	wg.Wait()
}

// writeLoop 是连接上唯一的写者
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan chatsvc.Event, out <-chan outgoingMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation closed"), time.Now().Add(time.Second))
				return
			}
			if err := write(outgoingMessage{Type: "event", Data: e, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case msg := <-out:
			if err := write(msg); err != nil {
				return
			}
		}
	}
}
