package handler

import (
	"net/http"
	"time"

	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

// EventsHandler streams strategy lifecycle changes over a websocket.
type EventsHandler struct {
	hub      *service.EventHub
	registry *service.StrategyRegistry
	upgrader websocket.Upgrader
}

func NewEventsHandler(hub *service.EventHub, registry *service.StrategyRegistry) *EventsHandler {
	return &EventsHandler{
		hub:      hub,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 控制台与引擎部署在同一内网, 鉴权已由 header 完成
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *EventsHandler) Stream(c *gin.Context) {
	role := middleware.RoleFrom(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		logger.Warn("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !h.visible(c, role, ev) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) visible(c *gin.Context, role *model.Role, ev model.StrategyEvent) bool {
	if role == nil {
		return true
	}
	s, err := h.registry.Get(c.Request.Context(), ev.StrategyID)
	if err != nil {
		// 已删除的策略只推送给管理员
		return false
	}
	return service.VisibleStrategy(role, s)
}
