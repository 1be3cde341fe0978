package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// reconnectDelay is the fixed backoff between watch-stream redials.
	// Reconnection retries indefinitely; an unreachable store degrades
	// gameplay but never aborts the client.
	reconnectDelay = 5 * time.Second

	clientWriteTimeout = 10 * time.Second
)

// ClientConfig configures a session against the remote store service.
type ClientConfig struct {
	BaseURL    string
	ClientID   string
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Client is a Store implementation backed by the reference store service:
// REST for reads and writes, a websocket watch stream for subscriptions and
// disconnect hooks. Hooks live server-side, so they fire even when this
// process dies without calling Close.
type Client struct {
	baseURL    string
	clientID   string
	log        *zap.Logger
	httpClient *http.Client

	mu      sync.Mutex
	token   string
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextSub int64
	subs    map[int64]*clientSubscription
	hooks   []DisconnectOp
	closed  bool
}

type clientSubscription struct {
	id           int64
	path         string
	children     bool
	childHandler ChildHandler
	docHandler   DocHandler
}

var _ Store = (*Client)(nil)

type joinRequestPayload struct {
	ClientID string `json:"clientId"`
}

type joinResponsePayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// NewClient joins the store service and opens the watch stream.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("store: base url is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("store: client id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	client := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		clientID:   cfg.ClientID,
		log:        logger,
		httpClient: httpClient,
		subs:       make(map[int64]*clientSubscription),
	}

	if err := client.join(ctx); err != nil {
		return nil, err
	}
	if err := client.dial(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) join(ctx context.Context) error {
	body, err := json.Marshal(joinRequestPayload{ClientID: c.clientID})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("store: join failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("store: join rejected with status %d", response.StatusCode)
	}

	var payload joinResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return fmt.Errorf("store: join response malformed: %w", err)
	}
	if payload.AccessToken == "" {
		return fmt.Errorf("store: join response missing token")
	}

	c.mu.Lock()
	c.token = payload.AccessToken
	c.mu.Unlock()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	watchURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/watch"

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, watchURL, header)
	if err != nil {
		return fmt.Errorf("store: watch dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	subs := make([]*clientSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	hooks := append([]DisconnectOp(nil), c.hooks...)
	c.mu.Unlock()

	// Re-establish state carried by the previous stream.
	for _, sub := range subs {
		if err := c.sendCommand(WatchCommand{Action: "subscribe", Sub: sub.id, Path: sub.path, Children: sub.children}); err != nil {
			return err
		}
	}
	for _, hook := range hooks {
		op := hook
		if err := c.sendCommand(WatchCommand{Action: "hook", Op: &op}); err != nil {
			return err
		}
	}

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var event WatchEvent
		if err := conn.ReadJSON(&event); err != nil {
			c.handleStreamDown(conn, err)
			return
		}
		c.dispatch(event)
	}
}

// dispatch runs handlers inline on the read loop, which preserves per-path
// write order as delivered by the service.
func (c *Client) dispatch(event WatchEvent) {
	c.mu.Lock()
	sub := c.subs[event.Sub]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if sub.children {
		snapshot := event.Snapshot
		if snapshot == nil {
			snapshot = make(Snapshot)
		}
		sub.childHandler(snapshot)
		return
	}
	if event.Deleted {
		sub.docHandler(nil)
		return
	}
	sub.docHandler(event.Doc)
}

func (c *Client) handleStreamDown(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.log.Warn("store watch stream lost, reconnecting",
		zap.String("operation", "store.watch"),
		zap.Duration("backoff", reconnectDelay),
		zap.Error(cause))

	for {
		time.Sleep(reconnectDelay)
		if c.isClosed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
		err := c.join(ctx)
		if err == nil {
			err = c.dial(ctx)
		}
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("store reconnect failed",
			zap.String("operation", "store.reconnect"),
			zap.Error(err))
	}
}

func (c *Client) sendCommand(cmd WatchCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("store: watch stream not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return conn.WriteJSON(cmd)
}

// GetDoc reads the document at a path; nil when absent.
func (c *Client) GetDoc(ctx context.Context, path string) (json.RawMessage, error) {
	return c.get(ctx, path, false)
}

// GetChildren reads every immediate child document under a path.
func (c *Client) GetChildren(ctx context.Context, path string) (Snapshot, error) {
	raw, err := c.get(ctx, path, true)
	if err != nil {
		return nil, err
	}
	snapshot := make(Snapshot)
	if len(raw) == 0 {
		return snapshot, nil
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("store: children payload malformed: %w", err)
	}
	return snapshot, nil
}

func (c *Client) get(ctx context.Context, path string, children bool) (json.RawMessage, error) {
	url := c.kvURL(path)
	if children {
		url += "?children=1"
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := c.do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store: read %s failed with status %d", path, response.StatusCode)
	}
	return io.ReadAll(response.Body)
}

// Set replaces the document at a path.
func (c *Client) Set(ctx context.Context, path string, doc interface{}) error {
	raw, err := MarshalDoc(doc)
	if err != nil {
		return err
	}
	return c.write(ctx, http.MethodPut, path, raw)
}

// Update merges fields into the document at a path.
func (c *Client) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return c.write(ctx, http.MethodPatch, path, raw)
}

// Delete removes the document at a path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.write(ctx, http.MethodDelete, path, nil)
}

func (c *Client) write(ctx context.Context, method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.kvURL(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: %s", ErrRejected, path)
	}
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("store: write %s failed with status %d", path, response.StatusCode)
	}
	return nil
}

func (c *Client) do(request *http.Request) (*http.Response, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	request.Header.Set("Authorization", "Bearer "+token)
	return c.httpClient.Do(request)
}

func (c *Client) kvURL(path string) string {
	return c.baseURL + "/v1/kv/" + strings.TrimLeft(path, "/")
}

// WatchChildren subscribes to the child set under a path.
func (c *Client) WatchChildren(_ context.Context, path string, handler ChildHandler) (func(), error) {
	return c.subscribe(path, true, handler, nil)
}

// WatchDoc subscribes to the single document at a path.
func (c *Client) WatchDoc(_ context.Context, path string, handler DocHandler) (func(), error) {
	return c.subscribe(path, false, nil, handler)
}

func (c *Client) subscribe(path string, children bool, childHandler ChildHandler, docHandler DocHandler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextSub++
	sub := &clientSubscription{
		id:           c.nextSub,
		path:         path,
		children:     children,
		childHandler: childHandler,
		docHandler:   docHandler,
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.sendCommand(WatchCommand{Action: "subscribe", Sub: sub.id, Path: path, Children: children}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		_ = c.sendCommand(WatchCommand{Action: "unsubscribe", Sub: sub.id})
	}
	return cancel, nil
}

// OnDisconnect registers a server-side cleanup operation for this session.
func (c *Client) OnDisconnect(_ context.Context, op DisconnectOp) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.hooks = append(c.hooks, op)
	c.mu.Unlock()
	return c.sendCommand(WatchCommand{Action: "hook", Op: &op})
}

// Close tears down the watch stream. The service fires the registered
// disconnect operations when the stream drops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
