package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config holds the live transport timings
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string

	// MaxConnectionsPerUser caps live connections per principal; 0 disables the cap
	MaxConnectionsPerUser int
}

// DefaultConfig returns production transport timings
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendBuffer:     100,
		MaxMessageSize: 4096,

		MaxConnectionsPerUser: 5,
	}
}

// Connection wraps one authenticated WebSocket. All writes go through a
// single goroutine; Send only queues.
type Connection struct {
	id        string
	principal types.Principal
	conn      *websocket.Conn
	config    Config
	log       *slog.Logger

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ interfaces.Subscriber = (*Connection)(nil)

// NewConnection wraps conn and starts its writer
func NewConnection(conn *websocket.Conn, principal types.Principal, config Config, logger *slog.Logger) *Connection {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConfig().SendBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        uuid.New().String(),
		principal: principal,
		conn:      conn,
		config:    config,
		writeCh:   make(chan []byte, config.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.log = logger.With("conn_id", c.id, "user_id", principal.ID)

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Principal() types.Principal { return c.principal }

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues a frame without blocking. A full buffer fails this frame
// only; a closed connection fails with types.ErrConnectionClosed.
func (c *Connection) Send(frame *types.Frame) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %w", types.ErrTransport, types.ErrConnectionClosed)
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", types.ErrTransport, ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %w", types.ErrTransport, types.ErrConnectionClosed)
	default:
		return fmt.Errorf("%w: %w", types.ErrTransport, ErrSendBufferFull)
	}
}

// writeLoop is the only writer on the socket, including pings
func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				_ = c.Close()
				return
			}

		case <-tick:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("websocket ping failed", "error", err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}
