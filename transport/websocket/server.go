// Package websocket - транспорт событий ретранслятора поверх WebSocket.
//
// Каждое сообщение - конверт {"event": "...", "data": ...} в обе стороны.
// Соединение получает собственный ID и является своей комнатой: ответы и
// обновления наблюдения уходят только ему.
package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"obd-relay/logging"
	"obd-relay/relay"
)

var logger = logging.Register(log.New(os.Stdout, "[WS-Server] ", log.LstdFlags|log.Lshortfile))

var ErrSendBufferFull = errors.New("websocket: send buffer full")

// Dispatcher обрабатывает события соединений
type Dispatcher interface {
	Handle(ctx context.Context, conn relay.Conn, event string, data json.RawMessage)
	Disconnect(conn relay.Conn)
}

// Envelope - сообщение транспорта
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config представляет настройки сервера
type Config struct {
	Addr           string        `mapstructure:"addr"`            // Адрес прослушивания, например ":8080"
	Path           string        `mapstructure:"path"`            // Путь WebSocket
	ReadLimit      int64         `mapstructure:"read_limit"`      // Максимальный размер входящего сообщения
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`   // Таймаут записи одного сообщения
	PingInterval   time.Duration `mapstructure:"ping_interval"`   // Интервал ping
	SendBuffer     int           `mapstructure:"send_buffer"`     // Очередь исходящих сообщений на соединение
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // Пусто - любой источник
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		Path:         "/ws",
		ReadLimit:    64 * 1024,
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
		SendBuffer:   64,
	}
}

// Server принимает WebSocket соединения и передает события диспетчеру
type Server struct {
	config     Config
	dispatcher Dispatcher
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewServer создает сервер
func NewServer(config Config, dispatcher Dispatcher) *Server {
	s := &Server{
		config:     config,
		dispatcher: dispatcher,
		conns:      make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP обновляет запрос до WebSocket и обслуживает соединение до закрытия
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("Upgrade failed: %v", err)
		return
	}

	conn := newConn(generateConnID(), ws, s.config)
	s.register(conn)
	logger.Printf("Client connected: %s (%s)", conn.ID(), r.RemoteAddr)

	go conn.writePump()
	conn.readPump(r.Context(), s.dispatcher)

	s.unregister(conn)
	conn.Close()
	s.dispatcher.Disconnect(conn)
	logger.Printf("Client disconnected: %s", conn.ID())
}

// ListenAndServe обслуживает соединения до отмены ctx
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)

	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
		s.CloseAll()
	}()

	logger.Printf("Listening on %s%s", s.config.Addr, s.config.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Connections возвращает число открытых соединений
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll закрывает все соединения
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) register(conn *Conn) {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
}

func (s *Server) unregister(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
}

// generateConnID генерирует случайный ID соединения
func generateConnID() string {
	bytes := make([]byte, 6)
	rand.Read(bytes)
	return "ws-" + hex.EncodeToString(bytes)
}
