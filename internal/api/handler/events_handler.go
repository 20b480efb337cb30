package handler

import (
	"io"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/account-sync/internal/broadcast"
	"github.com/cuongbtq/account-sync/internal/domain"
)

const (
	defaultHeartbeat = 15 * time.Second
	streamBuffer     = 64
)

// EventHandler streams fabric messages as server-sent events
type EventHandler struct {
	logger    *slog.Logger
	source    EventSource
	heartbeat time.Duration
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger:    deps.Logger,
		source:    deps.Events,
		heartbeat: defaultHeartbeat,
	}
}

// Stream handles GET /api/v1/events?channel=... Without a channel the client
// receives every service channel.
func (h *EventHandler) Stream(c *gin.Context) {
	channels := c.QueryArray("channel")
	if len(channels) == 0 {
		channels = []string{domain.ChannelServiceWildcard}
	}

	events := make(chan broadcast.Message, streamBuffer)
	unsubscribe := h.source.Subscribe(channels, func(msg broadcast.Message) {
		select {
		case events <- msg:
		default:
			// slow client
		}
	})
	defer unsubscribe()

	h.logger.Info("Event stream opened", slog.Any("channels", channels), slog.String("ip", c.ClientIP()))
	defer h.logger.Info("Event stream closed", slog.Any("channels", channels))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg := <-events:
			c.SSEvent(msg.Channel, msg)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}
