package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"obd-relay/relay"
)

// Conn - одно WebSocket соединение
type Conn struct {
	id     string
	ws     *websocket.Conn
	config Config

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, config Config) *Conn {
	buffer := config.SendBuffer
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		id:     id,
		ws:     ws,
		config: config,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// ID возвращает ID соединения
func (c *Conn) ID() string {
	return c.id
}

// Emit ставит событие в очередь отправки. Не блокируется.
func (c *Conn) Emit(event string, data []byte) error {
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return relay.ErrConnClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return relay.ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close закрывает соединение
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) pongWait() time.Duration {
	return 2 * c.config.PingInterval
}

// readPump читает конверты и передает их диспетчеру по одному
func (c *Conn) readPump(ctx context.Context, dispatcher Dispatcher) {
	if c.config.ReadLimit > 0 {
		c.ws.SetReadLimit(c.config.ReadLimit)
	}
	if c.config.PingInterval > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
		})
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Printf("Read error on %s: %v", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.emitBadRequest(err)
			continue
		}

		dispatcher.Handle(ctx, c, env.Event, env.Data)

		if c.config.PingInterval > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
		}
	}
}

func (c *Conn) emitBadRequest(cause error) {
	err := fmt.Errorf("%w: malformed envelope", relay.ErrBadRequest)
	if cause != nil {
		err = fmt.Errorf("%w: %v", err, cause)
	}
	payload, _ := relay.EncodeError("", err)
	if payload != nil {
		c.Emit(relay.EventError, payload)
	}
}

// writePump отправляет очередь сообщений и ping
func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return

		case msg := <-c.send:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Printf("Write error on %s: %v", c.id, err)
				c.Close()
				return
			}

		case <-ping:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) setWriteDeadline() {
	if c.config.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
}
