package exchange

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSReconnectConfig tunes a WSReconnectManager's backoff and heartbeat.
type WSReconnectConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	EnableHeartbeat bool
}

// DefaultWSReconnectConfig retries forever with capped exponential backoff.
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		MaxRetries:      0,
		InitialDelay:    1 * time.Second,
		MaxDelay:        60 * time.Second,
		BackoffFactor:   2.0,
		PingInterval:    20 * time.Second,
		PongWait:        30 * time.Second,
		WriteWait:       10 * time.Second,
		EnableHeartbeat: true,
	}
}

// WSReconnectManager owns one WebSocket connection's full lifecycle:
// dial, heartbeat, read loop, and reconnect-with-backoff on drop.
type WSReconnectManager struct {
	mu sync.RWMutex

	config        WSReconnectConfig
	conn          *websocket.Conn
	url           string
	connected     bool
	reconnecting  bool
	stopChan      chan struct{}
	doneChan      chan struct{}
	reconnectChan chan struct{}

	onConnect    func(*websocket.Conn)
	onDisconnect func(error)
	onMessage    func([]byte)
	onError      func(error)

	totalReconnects int
	lastConnectTime time.Time
}

// NewWSReconnectManager constructs a manager for the given URL; call Start
// to begin connecting.
func NewWSReconnectManager(url string, config WSReconnectConfig) *WSReconnectManager {
	return &WSReconnectManager{
		url:           url,
		config:        config,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// SetCallbacks wires the manager's lifecycle hooks.
func (m *WSReconnectManager) SetCallbacks(
	onConnect func(*websocket.Conn),
	onDisconnect func(error),
	onMessage func([]byte),
	onError func(error),
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
	m.onMessage = onMessage
	m.onError = onError
}

// Start begins the connect/read/reconnect loop in the background.
func (m *WSReconnectManager) Start() error {
	m.mu.Lock()
	if m.connected || m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	go m.run()
	return nil
}

// Stop tears down the connection and waits for the loop to exit.
func (m *WSReconnectManager) Stop() error {
	m.mu.Lock()
	if !m.connected && !m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopChan)
	<-m.doneChan
	return nil
}

// TriggerReconnect requests an immediate reconnect instead of waiting for
// the next heartbeat failure or read error.
func (m *WSReconnectManager) TriggerReconnect() {
	select {
	case m.reconnectChan <- struct{}{}:
	default:
	}
}

// IsConnected reports whether the underlying connection is currently live.
func (m *WSReconnectManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// WSStats is a point-in-time read of connection health counters.
type WSStats struct {
	Connected       bool
	TotalReconnects int
	LastConnectTime time.Time
}

// Stats returns the manager's current health counters.
func (m *WSReconnectManager) Stats() WSStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return WSStats{
		Connected:       m.connected,
		TotalReconnects: m.totalReconnects,
		LastConnectTime: m.lastConnectTime,
	}
}

func (m *WSReconnectManager) run() {
	defer close(m.doneChan)

	delay := m.config.InitialDelay
	retries := 0

	for {
		if err := m.connect(); err != nil {
			log.Warn().Err(err).Str("url", m.url).Msg("ws connect failed")
			if m.onError != nil {
				m.onError(err)
			}

			if m.config.MaxRetries > 0 && retries >= m.config.MaxRetries {
				log.Error().Int("max_retries", m.config.MaxRetries).Msg("ws max retries reached, giving up")
				return
			}

			retries++
			select {
			case <-m.stopChan:
				return
			case <-time.After(delay):
				delay = m.calculateNextDelay(delay)
				continue
			}
		}

		retries = 0
		delay = m.config.InitialDelay

		m.mu.Lock()
		m.connected = true
		m.lastConnectTime = time.Now()
		m.mu.Unlock()

		if m.onConnect != nil {
			m.onConnect(m.conn)
		}

		err := m.readLoop()

		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()

		if m.onDisconnect != nil {
			m.onDisconnect(err)
		}

		select {
		case <-m.stopChan:
			m.closeConn()
			return
		default:
		}

		log.Warn().Dur("delay", delay).Msg("ws disconnected, reconnecting")
		select {
		case <-m.stopChan:
			m.closeConn()
			return
		case <-m.reconnectChan:
		case <-time.After(delay):
		}

		m.closeConn()
		delay = m.calculateNextDelay(delay)
	}
}

func (m *WSReconnectManager) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(m.url, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.totalReconnects++
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
		return nil
	})

	if m.config.EnableHeartbeat {
		go m.heartbeatLoop()
	}

	return nil
}

func (m *WSReconnectManager) readLoop() error {
	conn := m.getConn()
	if conn == nil {
		return nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))

		if m.onMessage != nil {
			m.onMessage(message)
		}
	}
}

func (m *WSReconnectManager) heartbeatLoop() {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			conn := m.getConn()
			if conn == nil {
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("ws heartbeat failed")
				m.TriggerReconnect()
				return
			}
		}
	}
}

func (m *WSReconnectManager) calculateNextDelay(currentDelay time.Duration) time.Duration {
	nextDelay := time.Duration(float64(currentDelay) * m.config.BackoffFactor)
	if nextDelay > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return nextDelay
}

func (m *WSReconnectManager) getConn() *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *WSReconnectManager) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Send writes a text message on the current connection, if any.
func (m *WSReconnectManager) Send(data []byte) error {
	conn := m.getConn()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
