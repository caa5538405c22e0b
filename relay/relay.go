// Package relay связывает события транспорта с общим клиентом OBD.
//
// Каждое входящее событие вызывает ровно один метод клиента, а результат,
// пропущенный через кодировщик, уходит запросившему соединению событием с тем
// же именем. Любая ошибка превращается в событие "error".
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"obd-relay/common"
	"obd-relay/encoder"
	"obd-relay/logging"
)

var logger = logging.Register(log.New(os.Stdout, "[Relay] ", log.LstdFlags|log.Lshortfile))

// Conn - соединение транспорта. Emit отправляет событие только этому соединению.
type Conn interface {
	ID() string
	Emit(event string, data []byte) error
}

// Request - входящее событие
type Request struct {
	Conn  Conn
	Event string
	Data  json.RawMessage
}

// CustomHandler обрабатывает пользовательское событие
type CustomHandler func(ctx context.Context, req Request) (interface{}, error)

// Config представляет настройки ретранслятора
type Config struct {
	QueryTimeout time.Duration `mapstructure:"query_timeout"` // Предельное время одного запроса query
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{QueryTimeout: 5 * time.Second}
}

type handler func(ctx context.Context, r *Relay, req Request) (interface{}, error)

// Обработчик для каждого типа события
var handlers = [kindCount]handler{
	KindStatus: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return r.client().Status(), nil
	},
	KindIsConnected: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return r.client().IsConnected(), nil
	},
	KindPortName: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return r.client().PortName(), nil
	},
	KindSupports: func(_ context.Context, r *Relay, req Request) (interface{}, error) {
		cmd, err := r.command(req.Data)
		if err != nil {
			return nil, err
		}
		return r.client().Supports(cmd), nil
	},
	KindProtocolID: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return r.client().ProtocolID(), nil
	},
	KindProtocolName: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return r.client().ProtocolName(), nil
	},
	KindSupportedCommands: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return r.client().SupportedCommands(), nil
	},
	KindQuery: func(ctx context.Context, r *Relay, req Request) (interface{}, error) {
		cmd, err := r.command(req.Data)
		if err != nil {
			return nil, err
		}
		if r.config.QueryTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.config.QueryTimeout)
			defer cancel()
		}
		return r.client().Query(ctx, cmd)
	},
	KindStart: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return nil, r.session.Start()
	},
	KindStop: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		r.session.Stop()
		return nil, nil
	},
	KindWatch: func(_ context.Context, r *Relay, req Request) (interface{}, error) {
		names, err := decodeNames(req.Data)
		if err != nil {
			return nil, err
		}
		return nil, r.session.Watch(req.Conn, names)
	},
	KindUnwatch: func(_ context.Context, r *Relay, req Request) (interface{}, error) {
		names, err := decodeNames(req.Data)
		if err != nil {
			return nil, err
		}
		return nil, r.session.Unwatch(req.Conn, names)
	},
	KindUnwatchAll: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return nil, r.session.UnwatchAll()
	},
	KindHasName: func(_ context.Context, r *Relay, req Request) (interface{}, error) {
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return r.session.registry.Has(name), nil
	},
	KindClose: func(_ context.Context, r *Relay, _ Request) (interface{}, error) {
		return nil, r.session.Close()
	},
}

// Relay - диспетчер входящих событий
type Relay struct {
	config  Config
	session *Session
	encoder *encoder.Encoder

	customMu sync.RWMutex
	custom   map[string]CustomHandler
}

// New создает ретранслятор и подписывает его на ответы наблюдаемых команд
func New(config Config, session *Session, enc *encoder.Encoder) *Relay {
	r := &Relay{
		config:  config,
		session: session,
		encoder: enc,
		custom:  make(map[string]CustomHandler),
	}
	session.OnUpdate(r.publishUpdate)
	return r
}

// Session возвращает сессию ретранслятора
func (r *Relay) Session() *Session {
	return r.session
}

func (r *Relay) client() Client {
	return r.session.client
}

// On регистрирует обработчик пользовательского события
func (r *Relay) On(name string, h CustomHandler) error {
	if name == "" || reserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, name)
	}

	r.customMu.Lock()
	defer r.customMu.Unlock()
	r.custom[name] = h
	logger.Printf("Registered custom event %s", name)
	return nil
}

// Handle обрабатывает входящее событие и отвечает соединению
func (r *Relay) Handle(ctx context.Context, conn Conn, event string, data json.RawMessage) {
	req := Request{Conn: conn, Event: event, Data: data}

	result, err := r.dispatch(ctx, req)
	if err != nil {
		r.emitError(conn, event, err)
		return
	}

	payload, err := r.encoder.Marshal(result)
	if err != nil {
		r.emitError(conn, event, err)
		return
	}
	if err := conn.Emit(event, payload); err != nil {
		logger.Printf("Failed to emit %s to %s: %v", event, conn.ID(), err)
	}
}

func (r *Relay) dispatch(ctx context.Context, req Request) (interface{}, error) {
	if kind, ok := ParseKind(req.Event); ok {
		return handlers[kind](ctx, r, req)
	}

	r.customMu.RLock()
	h, ok := r.custom[req.Event]
	r.customMu.RUnlock()
	if ok {
		return h(ctx, req)
	}
	return nil, &Error{Event: req.Event, Code: CodeUnknownEvent, Err: fmt.Errorf("unknown event %q", req.Event)}
}

// Disconnect снимает подписки закрытого соединения
func (r *Relay) Disconnect(conn Conn) {
	if err := r.session.Disconnect(conn); err != nil {
		logger.Printf("Failed to drop watches of %s: %v", conn.ID(), err)
	}
}

func (r *Relay) publishUpdate(cmd *common.Command, resp *common.Response, conns []Conn) {
	payload, err := r.encoder.Marshal(map[string]interface{}{
		"command":  cmd.Name,
		"response": resp,
	})
	if err != nil {
		for _, conn := range conns {
			r.emitError(conn, EventWatchUpdate, err)
		}
		return
	}

	for _, conn := range conns {
		if err := conn.Emit(EventWatchUpdate, payload); err != nil {
			logger.Printf("Failed to emit update of %s to %s: %v", cmd.Name, conn.ID(), err)
		}
	}
}

func (r *Relay) emitError(conn Conn, event string, err error) {
	payload, relayErr := EncodeError(event, err)
	logger.Printf("Event %s from %s failed: %v", event, conn.ID(), relayErr)
	if payload == nil {
		return
	}
	if err := conn.Emit(EventError, payload); err != nil {
		logger.Printf("Failed to emit error to %s: %v", conn.ID(), err)
	}
}

func (r *Relay) command(data json.RawMessage) (*common.Command, error) {
	name, err := decodeName(data)
	if err != nil {
		return nil, err
	}
	return r.session.Lookup(name)
}

// decodeName принимает "RPM" или ["RPM"]
func decodeName(data json.RawMessage) (string, error) {
	names, err := decodeNames(data)
	if err != nil {
		return "", err
	}
	if len(names) != 1 {
		return "", fmt.Errorf("%w: expected exactly one command name", ErrBadRequest)
	}
	return names[0], nil
}

// decodeNames принимает строку или массив строк
func decodeNames(data json.RawMessage) ([]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: missing command name", ErrBadRequest)
	}

	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return []string{name}, nil
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("%w: expected a command name or a list of names", ErrBadRequest)
	}
	return names, nil
}
