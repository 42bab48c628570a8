package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsMessage is the envelope for every message in both directions.
type wsMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsClient is one connection with its write lock; gorilla permits a single
// concurrent writer per connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// WebSocketHandler multiplexes two kinds of namespaces over one endpoint
// family: a session namespace per browser id carrying the screencast/input
// duplex, and the queued-run namespace with one room per user carrying run
// lifecycle notifications.
type WebSocketHandler struct {
	pool     interfaces.BrowserPool
	verifier interfaces.TokenVerifier
	wsCfg    *common.WebSocketConfig
	authCfg  *common.AuthConfig
	logger   arbor.ILogger

	mu       sync.RWMutex
	sessions map[string]map[*wsClient]bool // browserId -> clients
	rooms    map[string]map[*wsClient]bool // userId -> clients

	bufMu    sync.Mutex
	recovery map[string][]wsMessage // userId -> undelivered recovery events
}

func NewWebSocketHandler(pool interfaces.BrowserPool, verifier interfaces.TokenVerifier, wsCfg *common.WebSocketConfig, authCfg *common.AuthConfig, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		pool:     pool,
		verifier: verifier,
		wsCfg:    wsCfg,
		authCfg:  authCfg,
		logger:   logger,
		sessions: make(map[string]map[*wsClient]bool),
		rooms:    make(map[string]map[*wsClient]bool),
		recovery: make(map[string][]wsMessage),
	}
}

// authenticate pulls the bearer token from the query string or the session
// cookie; upgrade requests cannot carry an Authorization header from a
// browser WebSocket client.
func (h *WebSocketHandler) authenticate(r *http.Request) *interfaces.Claims {
	token := r.URL.Query().Get("token")
	if token == "" && h.authCfg != nil && h.authCfg.CookieName != "" {
		if cookie, err := r.Cookie(h.authCfg.CookieName); err == nil {
			token = cookie.Value
		}
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return nil
	}
	return claims
}

// QueuedRunHandler serves /ws/queued-run: run lifecycle notifications scoped
// to the authenticated user's room. Buffered recovery events are replayed on
// connect.
func (h *WebSocketHandler) QueuedRunHandler(w http.ResponseWriter, r *http.Request) {
	claims := h.authenticate(r)
	if claims == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	if h.rooms[claims.UserID] == nil {
		h.rooms[claims.UserID] = make(map[*wsClient]bool)
	}
	h.rooms[claims.UserID][client] = true
	h.mu.Unlock()

	h.logger.Debug().Str("user_id", claims.UserID).Msg("Notification socket connected")
	h.replayRecovery(claims.UserID, client)

	// Drain the read side to observe disconnects; this namespace is
	// server-to-client only
	go func() {
		defer h.dropFromRoom(claims.UserID, client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// SessionHandler serves /ws/:browserId: the live screencast/input duplex for
// one browser session.
func (h *WebSocketHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	claims := h.authenticate(r)
	if claims == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	browserID := PathSuffix(r, "/ws/")
	if browserID == "" || browserID == "queued-run" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	slot := h.pool.GetSlot(browserID)
	if slot == nil || slot.UserID != claims.UserID {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	first := len(h.sessions[browserID]) == 0
	if h.sessions[browserID] == nil {
		h.sessions[browserID] = make(map[*wsClient]bool)
	}
	h.sessions[browserID][client] = true
	h.mu.Unlock()

	h.logger.Debug().
		Str("browser_id", browserID).
		Str("user_id", claims.UserID).
		Msg("Session socket connected")

	go h.runSession(browserID, client, first)
}

// runSession waits for the browser, starts the screencast on the first
// connection, and pumps input events until the socket closes.
func (h *WebSocketHandler) runSession(browserID string, client *wsClient, startCast bool) {
	defer h.dropFromSession(browserID, client)

	waitCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	session, err := h.pool.AwaitReady(waitCtx, browserID)
	cancel()
	if err != nil {
		_ = client.send(wsMessage{Event: models.EventSessionError, Payload: map[string]string{
			"message": "browser did not become ready",
		}})
		client.conn.Close()
		return
	}

	if startCast {
		h.startStreaming(browserID, session)
	}

	// Input pump: apply client events in receive order
	for {
		var msg wsMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handleSessionInput(browserID, session, msg)
	}
}

func (h *WebSocketHandler) handleSessionInput(browserID string, session interfaces.BrowserSession, msg wsMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, _ := msg.Payload.(map[string]interface{})
	event := interfaces.InputEvent{Type: msg.Event, Payload: payload}
	if payload != nil {
		event.X, _ = payload["x"].(float64)
		event.Y, _ = payload["y"].(float64)
		event.DeltaX, _ = payload["deltaX"].(float64)
		event.DeltaY, _ = payload["deltaY"].(float64)
		event.Key, _ = payload["key"].(string)
	}

	if err := session.DispatchInput(ctx, event); err != nil {
		h.logger.Debug().
			Err(err).
			Str("browser_id", browserID).
			Str("event", msg.Event).
			Msg("Input dispatch failed")
	}
}

// startStreaming launches the screencast and URL watch pumps for a session.
// They stop when the session dies or the last client disconnects; the
// watcher owns the done channel so a dead browser also unblocks the frame
// pump, which would otherwise wait on the channel forever.
func (h *WebSocketHandler) startStreaming(browserID string, session interfaces.BrowserSession) {
	frames := make(chan interfaces.ScreencastFrame, 1)
	castCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := session.StartScreencast(castCtx, interfaces.ScreencastConfig{
		MaxWidth:  h.wsCfg.MaxFrameWidth,
		MaxHeight: h.wsCfg.MaxFrameHeight,
		FrameRate: h.wsCfg.FrameRate,
	}, frames)
	cancel()
	if err != nil {
		h.logger.Warn().Err(err).Str("browser_id", browserID).Msg("Failed to start screencast")
		return
	}

	done := make(chan struct{})

	go func() {
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = session.StopScreencast(stopCtx)
			stopCancel()
		}()
		for {
			select {
			case <-done:
				return
			case frame := <-frames:
				if !h.hasSessionClients(browserID) {
					return
				}
				h.NotifySession(browserID, models.EventScreencast, map[string]interface{}{
					"data":      frame.Data,
					"timestamp": frame.Timestamp,
				})
			}
		}
	}()

	go func() {
		defer close(done)
		lastURL := ""
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if !h.hasSessionClients(browserID) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			url, err := session.CurrentURL(ctx)
			cancel()
			if err != nil {
				// Session torn down
				return
			}
			if url != lastURL {
				lastURL = url
				h.NotifySession(browserID, models.EventURLChanged, map[string]string{"url": url})
			}
		}
	}()
}

// NotifyUser delivers a run lifecycle event into the user's room. Recovery
// events with no listener are buffered and replayed on the next connect.
func (h *WebSocketHandler) NotifyUser(userID, event string, payload models.RunEventPayload) {
	msg := wsMessage{Event: event, Payload: payload}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.rooms[userID]))
	for client := range h.rooms[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		if event == models.EventRunRecovered {
			h.bufMu.Lock()
			h.recovery[userID] = append(h.recovery[userID], msg)
			h.bufMu.Unlock()
		}
		return
	}

	for _, client := range clients {
		if err := client.send(msg); err != nil {
			h.dropFromRoom(userID, client)
		}
	}
}

// NotifySession broadcasts an event on a browser session namespace.
func (h *WebSocketHandler) NotifySession(browserID, event string, payload interface{}) {
	msg := wsMessage{Event: event, Payload: payload}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.sessions[browserID]))
	for client := range h.sessions[browserID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.send(msg); err != nil {
			h.dropFromSession(browserID, client)
		}
	}
}

// replayRecovery flushes buffered recovery events to a fresh connection.
// The buffer clears on first successful delivery.
func (h *WebSocketHandler) replayRecovery(userID string, client *wsClient) {
	h.bufMu.Lock()
	buffered := h.recovery[userID]
	delete(h.recovery, userID)
	h.bufMu.Unlock()

	for _, msg := range buffered {
		if err := client.send(msg); err != nil {
			// Connection died mid-replay; re-buffer the rest
			h.bufMu.Lock()
			h.recovery[userID] = append(h.recovery[userID], msg)
			h.bufMu.Unlock()
		}
	}
	if len(buffered) > 0 {
		h.logger.Info().
			Str("user_id", userID).
			Int("events", len(buffered)).
			Msg("Replayed buffered recovery events")
	}
}

func (h *WebSocketHandler) hasSessionClients(browserID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[browserID]) > 0
}

func (h *WebSocketHandler) dropFromRoom(userID string, client *wsClient) {
	h.mu.Lock()
	if clients, ok := h.rooms[userID]; ok {
		if clients[client] {
			delete(clients, client)
			client.conn.Close()
		}
		if len(clients) == 0 {
			delete(h.rooms, userID)
		}
	}
	h.mu.Unlock()
}

func (h *WebSocketHandler) dropFromSession(browserID string, client *wsClient) {
	h.mu.Lock()
	if clients, ok := h.sessions[browserID]; ok {
		if clients[client] {
			delete(clients, client)
			client.conn.Close()
		}
		if len(clients) == 0 {
			delete(h.sessions, browserID)
		}
	}
	h.mu.Unlock()
}

var _ interfaces.Notifier = (*WebSocketHandler)(nil)
