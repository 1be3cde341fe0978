package peer

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// peerIDHeader carries each side's identifier during the handshake.
	peerIDHeader = "X-Stackfall-Peer"

	peerWriteTimeout = 10 * time.Second
	peerReadTimeout  = 60 * time.Second
	peerPingInterval = 25 * time.Second
	peerReadLimit    = 1 << 20
)

var peerUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// link is one live connection to a peer. Writes are serialized by mu;
// gorilla connections allow at most one concurrent writer.
type link struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *link) writeJSON(payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return l.conn.WriteJSON(payload)
}

func (l *link) ping() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return l.conn.WriteMessage(websocket.PingMessage, nil)
}

// WebsocketTransport implements Transport over one HTTP listener per node.
// Peers dial each other's /peer endpoint and exchange identifiers in the
// handshake header.
type WebsocketTransport struct {
	localID  string
	handlers Handlers
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	links    map[string]*link
	closed   bool
}

// NewWebsocketTransport builds a transport for the local peer identity.
// bindAddress is host:port; port 0 picks a free port.
func NewWebsocketTransport(localID, bindAddress string, logger *zap.Logger) *WebsocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &WebsocketTransport{
		localID: localID,
		logger:  logger,
		links:   make(map[string]*link),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", transport.handleInbound)
	transport.server = &http.Server{Addr: bindAddress, Handler: mux}
	return transport
}

// SetHandlers installs the callback set. Call before Listen; links opened
// afterwards use the installed handlers.
func (t *WebsocketTransport) SetHandlers(handlers Handlers) {
	t.mu.Lock()
	t.handlers = handlers
	t.mu.Unlock()
}

// Listen binds the peer endpoint and returns its dialable address.
func (t *WebsocketTransport) Listen() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", errors.New("peer: transport closed")
	}
	if t.listener != nil {
		return t.listener.Addr().String(), nil
	}
	listener, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return "", fmt.Errorf("peer: listen %s: %w", t.server.Addr, err)
	}
	t.listener = listener
	go func() {
		if serveErr := t.server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			t.logger.Warn("peer listener stopped", zap.Error(serveErr))
		}
	}()
	return listener.Addr().String(), nil
}

// Addr reports the bound listen address.
func (t *WebsocketTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *WebsocketTransport) handleInbound(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get(peerIDHeader)
	if peerID == "" || peerID == t.localID {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	header := http.Header{}
	header.Set(peerIDHeader, t.localID)
	conn, err := peerUpgrader.Upgrade(w, r, header)
	if err != nil {
		t.logger.Warn("peer upgrade failed",
			zap.String("peer_id", peerID),
			zap.Error(err))
		return
	}
	t.adopt(peerID, conn)
}

// Connect dials a peer's /peer endpoint. A live link makes this a no-op.
func (t *WebsocketTransport) Connect(peerID, address string) error {
	if peerID == t.localID {
		return nil
	}
	if t.Connected(peerID) {
		return nil
	}

	header := http.Header{}
	header.Set(peerIDHeader, t.localID)
	url := fmt.Sprintf("ws://%s/peer", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return fmt.Errorf("peer: dial %s: %w", address, err)
	}
	t.adopt(peerID, conn)
	return nil
}

// adopt installs a connection as the link to a peer, replacing any existing
// link, and starts its read loop.
func (t *WebsocketTransport) adopt(peerID string, conn *websocket.Conn) {
	newLink := &link{conn: conn}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	previous := t.links[peerID]
	t.links[peerID] = newLink
	t.mu.Unlock()

	if previous != nil {
		_ = previous.conn.Close()
	}

	t.logger.Info("peer link opened", zap.String("peer_id", peerID))
	if handlers := t.callbackSet(); handlers.OnOpen != nil {
		handlers.OnOpen(peerID)
	}

	go t.pingLoop(peerID, newLink)
	go t.readLoop(peerID, newLink)
}

func (t *WebsocketTransport) readLoop(peerID string, l *link) {
	conn := l.conn
	conn.SetReadLimit(peerReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(peerReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(peerReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(peerReadTimeout))

		envelope, err := Decode(raw)
		if err != nil {
			t.logger.Warn("peer message dropped",
				zap.String("peer_id", peerID),
				zap.Error(err))
			continue
		}
		if handlers := t.callbackSet(); handlers.OnMessage != nil {
			handlers.OnMessage(peerID, envelope)
		}
	}

	t.dropLink(peerID, l)
}

func (t *WebsocketTransport) pingLoop(peerID string, l *link) {
	ticker := time.NewTicker(peerPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !t.owns(peerID, l) {
			return
		}
		if err := l.ping(); err != nil {
			_ = l.conn.Close()
			return
		}
	}
}

func (t *WebsocketTransport) callbackSet() Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *WebsocketTransport) owns(peerID string, l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[peerID] == l
}

// dropLink removes a link if it is still the current one for the peer.
// Replaced links close silently so a reconnect does not fire OnClose.
func (t *WebsocketTransport) dropLink(peerID string, l *link) {
	t.mu.Lock()
	current := t.links[peerID] == l
	if current {
		delete(t.links, peerID)
	}
	closed := t.closed
	t.mu.Unlock()

	_ = l.conn.Close()
	if !current || closed {
		return
	}
	t.logger.Info("peer link closed", zap.String("peer_id", peerID))
	if handlers := t.callbackSet(); handlers.OnClose != nil {
		handlers.OnClose(peerID)
	}
}

// Send delivers one envelope to a peer over its live link.
func (t *WebsocketTransport) Send(peerID string, envelope Envelope) error {
	t.mu.Lock()
	l := t.links[peerID]
	t.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	if err := l.writeJSON(envelope); err != nil {
		_ = l.conn.Close()
		return fmt.Errorf("peer: send to %s: %w", peerID, err)
	}
	return nil
}

// Connected reports whether a live link to the peer exists.
func (t *WebsocketTransport) Connected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[peerID] != nil
}

// Disconnect tears down the link to one peer.
func (t *WebsocketTransport) Disconnect(peerID string) {
	t.mu.Lock()
	l := t.links[peerID]
	t.mu.Unlock()
	if l != nil {
		_ = l.conn.Close()
	}
}

// Close shuts the listener and every link.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[string]*link)
	t.mu.Unlock()

	for _, l := range links {
		_ = l.conn.Close()
	}
	return t.server.Close()
}
