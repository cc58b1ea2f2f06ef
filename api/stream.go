package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crm-activities/domain"
)

const keepAliveInterval = 25 * time.Second

// Hub fans notifications received on a Redis channel out to the SSE clients
// of each lead.
type Hub struct {
	client  *redis.Client
	channel string
	logger  *log.Logger

	mu   sync.Mutex
	subs map[string]map[chan domain.Notification]struct{}
}

// NewHub creates a hub for channel. Run must be started for Redis messages to
// reach subscribers.
func NewHub(client *redis.Client, channel string, logger *log.Logger) *Hub {
	return &Hub{
		client:  client,
		channel: channel,
		logger:  logger,
		subs:    make(map[string]map[chan domain.Notification]struct{}),
	}
}

// Run listens on the channel until ctx is done, reconnecting when the
// subscription drops.
func (h *Hub) Run(ctx context.Context) {
	for {
		sub := h.client.Subscribe(ctx, h.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var n domain.Notification
				if err := sonic.UnmarshalString(msg.Payload, &n); err != nil {
					h.logger.WithError(err).Error("unable to parse notification")
					continue
				}
				h.broadcast(n)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (h *Hub) subscribe(leadID string) chan domain.Notification {
	ch := make(chan domain.Notification, 16)
	h.mu.Lock()
	if h.subs[leadID] == nil {
		h.subs[leadID] = make(map[chan domain.Notification]struct{})
	}
	h.subs[leadID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(leadID string, ch chan domain.Notification) {
	h.mu.Lock()
	delete(h.subs[leadID], ch)
	if len(h.subs[leadID]) == 0 {
		delete(h.subs, leadID)
	}
	h.mu.Unlock()
}

func (h *Hub) subscribers(leadID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[leadID])
}

// broadcast delivers n to the lead's subscribers. Slow clients miss
// notifications instead of blocking the hub.
func (h *Hub) broadcast(n domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[n.LeadID] {
		select {
		case ch <- n:
		default:
			h.logger.WithField("lead", n.LeadID).Warn("dropping notification for slow client")
		}
	}
}

func streamBoard(boards Boards, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		leadID := c.Param("leadId")
		ctx := c.Request().Context()
		sess, err := boards.Session(ctx, leadID)
		if err != nil {
			return writeError(c, err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ch := hub.subscribe(leadID)
		defer hub.unsubscribe(leadID, ch)
		c.Response().WriteHeader(http.StatusOK)

		if err := writeEvent(c, "board", sess.View()); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n := <-ch:
				if err := writeEvent(c, "notification", n); err != nil {
					return nil
				}
				if err := writeEvent(c, "board", sess.View()); err != nil {
					return nil
				}
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": keep-alive\n\n")); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(c echo.Context, name string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w := c.Response()
	if _, err := w.Write([]byte("event: " + name + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
