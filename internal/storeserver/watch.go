package storeserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stackfall/stackfall/internal/store"
	"go.uber.org/zap"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchReadTimeout  = 60 * time.Second
	watchPingInterval = 25 * time.Second
	watchReadLimit    = 1 << 20
)

var watchUpgrader = websocket.Upgrader{
	// Clients connect from arbitrary origins; session tokens gate access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWatch owns one client's watch stream: commands in, events out,
// disconnect hooks fired when the socket drops for any reason.
func (h *httpHandler) serveWatch(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("watch upgrade failed", zap.Error(err))
		return
	}

	stream := h.service.dispatcher.register(clientID)
	h.logger.Info("watch stream opened",
		zap.String("client_id", clientID),
		zap.Int64("stream_id", stream.id))

	done := make(chan struct{})
	go h.writePump(conn, stream, done)

	conn.SetReadLimit(watchReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
		return nil
	})

	for {
		var command store.WatchCommand
		if err := conn.ReadJSON(&command); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
		h.handleCommand(stream, command)
	}

	close(done)
	h.service.dispatcher.unregister(stream.id)
	_ = conn.Close()

	hooks := stream.takeHooks()
	if len(hooks) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), watchWriteTimeout)
		h.service.RunDisconnectOps(ctx, clientID, hooks)
		cancel()
	}
	h.logger.Info("watch stream closed",
		zap.String("client_id", clientID),
		zap.Int64("stream_id", stream.id),
		zap.Int("hooks_applied", len(hooks)))
}

func (h *httpHandler) handleCommand(stream *watchStream, command store.WatchCommand) {
	switch command.Action {
	case "subscribe":
		sub := watchSubscription{sub: command.Sub, path: command.Path, children: command.Children}
		stream.addSubscription(sub)
		h.sendInitialState(stream, sub)
	case "unsubscribe":
		stream.removeSubscription(command.Sub)
	case "hook":
		if command.Op != nil {
			stream.addHook(*command.Op)
		}
	default:
		h.logger.Warn("unknown watch command dropped",
			zap.String("action", command.Action),
			zap.String("client_id", stream.clientID))
	}
}

// sendInitialState delivers the current value as the first notification of
// a new subscription.
func (h *httpHandler) sendInitialState(stream *watchStream, sub watchSubscription) {
	ctx, cancel := context.WithTimeout(context.Background(), watchWriteTimeout)
	defer cancel()

	if sub.children {
		snapshot, err := h.service.GetChildren(ctx, sub.path)
		if err != nil {
			snapshot = store.Snapshot{}
		}
		stream.send(store.WatchEvent{Sub: sub.sub, Path: sub.path, Snapshot: snapshot})
		return
	}
	doc, err := h.service.GetDoc(ctx, sub.path)
	stream.send(store.WatchEvent{Sub: sub.sub, Path: sub.path, Doc: doc, Deleted: err != nil || doc == nil})
}

func (h *httpHandler) writePump(conn *websocket.Conn, stream *watchStream, done chan struct{}) {
	ticker := time.NewTicker(watchPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-stream.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
