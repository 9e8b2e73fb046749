package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	defaultBufSize = 256
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client envuelve una conexión websocket. Sólo WritePump escribe en el socket;
// Send encola sin bloquear.
type Client struct {
	id       string
	identity int64
	conn     *websocket.Conn
	logger   *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, identity int64, buffer int, logger *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = defaultBufSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		logger:   logger,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() int64 { return c.identity }

// Send serializa el evento y lo encola. Si el buffer está lleno el evento se descarta.
func (c *Client) Send(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close pide a WritePump que vacíe la cola, mande el frame de cierre y suelte el socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done se cierra cuando la conexión fue cerrada.
func (c *Client) Done() <-chan struct{} { return c.done }

// ReadPump lee frames hasta que el socket falla o se cierra y entrega cada uno a handle.
func (c *Client) ReadPump(handle func(payload []byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		handle(payload)
	}
}

// WritePump es el único escritor del socket; termina al cerrar el cliente o ante un error de escritura.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, payload)
}
