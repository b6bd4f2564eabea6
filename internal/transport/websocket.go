package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classpair/classpair/internal/logger"
)

const (
	writeTimeout   = 10 * time.Second
	inboundBuffer  = 32
	maxMessageSize = 32 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Pairing happens on a trusted LAN; the offer checksum and the signed
	// handshake gate peers, not the HTTP origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the Conn contract.
type wsConn struct {
	conn    *websocket.Conn
	inbound chan []byte
	done    chan struct{}
	logger  *logger.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	err       error
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:    conn,
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
		logger:  logger.GetLogger().Transport(),
	}
	conn.SetReadLimit(maxMessageSize)
	go c.readPump()
	return c
}

// readPump delivers frames in arrival order until the connection ends.
func (c *wsConn) readPump() {
	defer func() {
		close(c.inbound)
		c.closeOnce.Do(func() { close(c.done) })
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErr(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug().Int("ws_type", msgType).Msg("Ignoring non-text frame")
			continue
		}
		// Close must be able to unblock a pump parked on a full buffer.
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport write failed: %w", err)
	}
	return nil
}

func (c *wsConn) Inbound() <-chan []byte {
	return c.inbound
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dial connects to a peer's listener. The context bounds the handshake.
func Dial(ctx context.Context, addr string) (Conn, error) {
	url := fmt.Sprintf("ws://%s/sync", addr)

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	logger.GetLogger().Transport().Info().Str("addr", addr).Msg("Connected to peer")
	return newWSConn(conn), nil
}

// Listener accepts inbound peer connections. The session layer takes one
// connection at a time; additional connections queue on the accept channel.
type Listener struct {
	server   *http.Server
	listener net.Listener
	accepted chan Conn
	logger   *logger.Logger

	closeOnce sync.Once
}

// Listen starts accepting peer connections on addr (host:port; an empty host
// binds all interfaces).
func Listen(addr string) (*Listener, error) {
	netListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &Listener{
		listener: netListener,
		accepted: make(chan Conn, 1),
		logger:   logger.GetLogger().Transport(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go func() {
		if err := l.server.Serve(netListener); err != nil && err != http.ErrServerClosed {
			l.logger.WithError(err).Error().Msg("Listener stopped unexpectedly")
		}
	}()

	l.logger.Info().Str("addr", netListener.Addr().String()).Msg("Listening for peer connections")
	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.WithError(err).Warn().Msg("Failed to upgrade peer connection")
		return
	}

	wrapped := newWSConn(conn)
	select {
	case l.accepted <- wrapped:
		l.logger.Info().Str("remote", wrapped.RemoteAddr()).Msg("Accepted peer connection")
	default:
		// A session is already being served; this design is single-peer.
		l.logger.Warn().Str("remote", wrapped.RemoteAddr()).Msg("Rejecting concurrent peer connection")
		_ = wrapped.Close()
	}
}

// Accept yields inbound connections.
func (l *Listener) Accept() <-chan Conn {
	return l.accepted
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting connections. Safe to call multiple times.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.server.Close()
	})
	return err
}
