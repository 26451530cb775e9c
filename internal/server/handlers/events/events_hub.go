package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/server/handlers/api"
)

const (
	writeTimeout   = 10 * time.Second
	subscriberBuf  = 64
	shutdownReason = "shutdown"
)

// Hub fans change events out to every connected websocket subscriber.
// A subscriber that falls behind loses events rather than blocking writers;
// the feed is only a hint to sync sooner.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan fileapi.ChangeEvent
	closed bool
	wg     sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan fileapi.ChangeEvent)}
}

func (h *Hub) Publish(ev fileapi.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("events dropped", "conn", id, "path", ev.Path)
		}
	}
}

// Subscribers returns the number of open connections.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() (string, chan fileapi.ChangeEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	id := uuid.NewString()[:8]
	ch := make(chan fileapi.ChangeEvent, subscriberBuf)
	h.subs[id] = ch
	h.wg.Add(1)
	return id, ch, true
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Close disconnects all subscribers and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()

	h.wg.Wait()
	slog.Info("events hub shutdown")
}

// Handler upgrades the request to a websocket and streams events until
// either side goes away.
func (h *Hub) Handler(ctx *gin.Context) {
	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, fileapi.CodeInvalidRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}

	id, ch, ok := h.subscribe()
	if !ok {
		conn.Close(websocket.StatusGoingAway, shutdownReason)
		return
	}
	defer h.wg.Done()
	defer h.unsubscribe(id)

	slog.Debug("events subscribed", "conn", id, "client", ctx.GetString("client"), "ip", ctx.ClientIP())
	defer slog.Debug("events unsubscribed", "conn", id)

	// the feed is one-way; CloseRead handles control frames and cancels
	// readCtx when the peer hangs up
	readCtx := conn.CloseRead(ctx.Request.Context())

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, shutdownReason)
				return
			}
			if err := write(readCtx, conn, ev); err != nil {
				slog.Debug("events write", "conn", id, "error", err)
				conn.CloseNow()
				return
			}
		case <-readCtx.Done():
			conn.CloseNow()
			return
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev fileapi.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
