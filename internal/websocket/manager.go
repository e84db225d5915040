package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/pkg/config"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 16
)

// SecurityEvent is one alert pushed to a user's connected devices: reuse
// detection, counter regression, mass revocation and similar incidents.
type SecurityEvent struct {
	Type      string            `json:"type"`
	UserID    string            `json:"user_id"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// serverMessage wraps frames sent to the client
type serverMessage struct {
	Type  string         `json:"type"` // FIN_INIT, ERROR, EVENT
	Event *SecurityEvent `json:"event,omitempty"`
}

// clientMessage is the handshake frame received from the client
type clientMessage struct {
	AppToken string `json:"appToken,omitempty"`
}

// clientConnection represents a connected observer device
type clientConnection struct {
	conn   *websocket.Conn
	userID string
	send   chan *SecurityEvent
	once   sync.Once
	closed chan struct{}
}

func (c *clientConnection) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Manager fans security events out over WebSocket. A device connects, proves
// its identity with its access token, and from then on receives the events
// concerning its user. Delivery is best effort: a slow consumer is dropped
// rather than allowed to stall the auth flows publishing into the hub.
type Manager struct {
	cfg      *config.Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string][]*clientConnection // userID -> connections
}

// NewManager creates a new WebSocket manager
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	rpOrigin := cfg.Server.RPOrigin
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("websocket-manager"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == rpOrigin
			},
		},
		clients: make(map[string][]*clientConnection),
	}
}

// HandleConnection handles a new WebSocket connection
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	go m.handleClient(conn)
}

func (m *Manager) handleClient(conn *websocket.Conn) {
	defer conn.Close()

	var client *clientConnection

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			m.logger.Error("Failed to parse message", zap.Error(err))
			continue
		}

		if msg.AppToken == "" {
			continue
		}
		if client != nil {
			// already authenticated
			continue
		}

		userID, err := m.validateToken(msg.AppToken)
		if err != nil {
			m.logger.Error("Handshake failed - invalid token", zap.Error(err))
			conn.WriteJSON(serverMessage{Type: "ERROR"})
			continue
		}

		client = &clientConnection{
			conn:   conn,
			userID: userID,
			send:   make(chan *SecurityEvent, sendQueueSize),
			closed: make(chan struct{}),
		}

		m.clientsMu.Lock()
		m.clients[userID] = append(m.clients[userID], client)
		m.clientsMu.Unlock()

		go m.writePump(client)

		m.logger.Info("WebSocket handshake established", zap.String("user_id", userID))
		conn.WriteJSON(serverMessage{Type: "FIN_INIT"})
	}

	if client != nil {
		m.removeClient(client)
		m.logger.Info("WebSocket client disconnected", zap.String("user_id", client.userID))
	}
}

func (m *Manager) writePump(client *clientConnection) {
	for {
		select {
		case <-client.closed:
			return
		case event := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(serverMessage{Type: "EVENT", Event: event}); err != nil {
				m.removeClient(client)
				return
			}
		}
	}
}

func (m *Manager) removeClient(client *clientConnection) {
	client.shutdown()

	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	conns := m.clients[client.userID]
	for i, c := range conns {
		if c == client {
			m.clients[client.userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(m.clients[client.userID]) == 0 {
		delete(m.clients, client.userID)
	}
}

func (m *Manager) validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(m.cfg.JWT.Secret), nil
	})

	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["sub"].(string)
		if !ok || userID == "" {
			return "", errors.New("invalid token claims")
		}
		return userID, nil
	}

	return "", errors.New("invalid token")
}

// IsConnected checks if a user has at least one connected device
func (m *Manager) IsConnected(userID string) bool {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients[userID]) > 0
}

// Publish fans an event out to every device the user has connected. It never
// blocks: events to a full queue are dropped and the connection is closed so
// the client reconnects and resyncs.
func (m *Manager) Publish(eventType, userID string, details map[string]string) {
	event := &SecurityEvent{
		Type:      eventType,
		UserID:    userID,
		Details:   details,
		Timestamp: time.Now(),
	}

	m.clientsMu.RLock()
	conns := make([]*clientConnection, len(m.clients[userID]))
	copy(conns, m.clients[userID])
	m.clientsMu.RUnlock()

	for _, client := range conns {
		select {
		case client.send <- event:
		default:
			m.logger.Warn("Dropping slow event consumer", zap.String("user_id", userID))
			go m.removeClient(client)
		}
	}
}

// Close closes all connections
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for _, conns := range m.clients {
		for _, client := range conns {
			client.shutdown()
		}
	}
	m.clients = make(map[string][]*clientConnection)
}
