package relay

import (
	"context"
	"fmt"
	"sync"

	"obd-relay/common"
	"obd-relay/obd"
)

// Client - клиент OBD, которым владеет сессия
type Client interface {
	Close() error
	Status() string
	IsConnected() bool
	PortName() string
	ProtocolID() string
	ProtocolName() string
	SupportedCommands() common.CommandSet
	Supports(cmd *common.Command) bool
	Query(ctx context.Context, cmd *common.Command) (*common.Response, error)
	Watch(cmd *common.Command, callback obd.Callback) error
	Unwatch(cmd *common.Command) error
	UnwatchAll() error
	Start() error
	Stop()
	Running() bool
}

// Registry - поиск команд по имени
type Registry interface {
	Get(name string) (*common.Command, error)
	Has(name string) bool
}

// UpdateFunc получает новый ответ наблюдаемой команды и ее подписчиков
type UpdateFunc func(cmd *common.Command, resp *common.Response, conns []Conn)

// Session - общее подключение к автомобилю и подписки соединений.
//
// opMu сериализует изменения списка наблюдения и запуск/остановку опроса.
// watchMu защищает индекс подписчиков и берется из цикла опроса, поэтому
// его нельзя удерживать во время Stop.
type Session struct {
	client   Client
	registry Registry

	opMu sync.Mutex

	watchMu  sync.RWMutex
	watchers map[string]map[string]Conn // команда -> ID соединения -> соединение
	onUpdate UpdateFunc
}

// NewSession создает сессию вокруг подключенного клиента
func NewSession(client Client, registry Registry) *Session {
	return &Session{
		client:   client,
		registry: registry,
		watchers: make(map[string]map[string]Conn),
	}
}

// Client возвращает клиента OBD
func (s *Session) Client() Client {
	return s.client
}

// OnUpdate задает получателя ответов наблюдаемых команд
func (s *Session) OnUpdate(fn UpdateFunc) {
	s.watchMu.Lock()
	s.onUpdate = fn
	s.watchMu.Unlock()
}

// Lookup ищет команду в реестре
func (s *Session) Lookup(name string) (*common.Command, error) {
	return s.registry.Get(name)
}

func (s *Session) lookupAll(names []string) ([]*common.Command, error) {
	cmds := make([]*common.Command, 0, len(names))
	for _, name := range names {
		cmd, err := s.registry.Get(name)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Start запускает опрос
func (s *Session) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.client.Start()
}

// Stop останавливает опрос
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.client.Stop()
}

// Close закрывает подключение и сбрасывает все подписки
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.watchMu.Lock()
	s.watchers = make(map[string]map[string]Conn)
	s.watchMu.Unlock()

	return s.client.Close()
}

// Watch подписывает соединение на команды
func (s *Session) Watch(conn Conn, names []string) error {
	cmds, err := s.lookupAll(names)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if !s.client.Supports(cmd) {
			return fmt.Errorf("%w: %s", obd.ErrUnsupported, cmd.Name)
		}
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.paused(func() error {
		added := make([]*common.Command, 0, len(cmds))
		for _, cmd := range cmds {
			if s.watcherCount(cmd.Name) == 0 {
				if err := s.client.Watch(cmd, s.callback(cmd)); err != nil {
					// Список применяется целиком или не применяется
					if rollbackErr := s.unwatch(conn, added); rollbackErr != nil {
						logger.Printf("Failed to roll back watch of %d commands: %v", len(added), rollbackErr)
					}
					return err
				}
			}
			if s.addWatcher(cmd.Name, conn) {
				added = append(added, cmd)
			}
		}
		return nil
	})
}

// Unwatch отписывает соединение от команд. Команда остается в опросе, пока
// на нее подписан кто-то еще.
func (s *Session) Unwatch(conn Conn, names []string) error {
	cmds, err := s.lookupAll(names)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.paused(func() error {
		return s.unwatch(conn, cmds)
	})
}

// UnwatchAll очищает список наблюдения для всех соединений
func (s *Session) UnwatchAll() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.paused(func() error {
		if err := s.client.UnwatchAll(); err != nil {
			return err
		}
		s.watchMu.Lock()
		s.watchers = make(map[string]map[string]Conn)
		s.watchMu.Unlock()
		return nil
	})
}

// Disconnect снимает все подписки ушедшего соединения
func (s *Session) Disconnect(conn Conn) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var cmds []*common.Command
	s.watchMu.RLock()
	for name, conns := range s.watchers {
		if _, ok := conns[conn.ID()]; !ok {
			continue
		}
		if cmd, err := s.registry.Get(name); err == nil {
			cmds = append(cmds, cmd)
		}
	}
	s.watchMu.RUnlock()

	if len(cmds) == 0 {
		return nil
	}
	return s.paused(func() error {
		return s.unwatch(conn, cmds)
	})
}

// Watched возвращает команды, на которые подписано соединение
func (s *Session) Watched(conn Conn) []string {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()

	var names []string
	for name, conns := range s.watchers {
		if _, ok := conns[conn.ID()]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (s *Session) unwatch(conn Conn, cmds []*common.Command) error {
	for _, cmd := range cmds {
		if !s.removeWatcher(cmd.Name, conn) {
			continue
		}
		if s.watcherCount(cmd.Name) == 0 {
			if err := s.client.Unwatch(cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

// paused выполняет fn при остановленном опросе и возобновляет его, если он
// был запущен. Вызывается под opMu.
func (s *Session) paused(fn func() error) error {
	wasRunning := s.client.Running()
	if wasRunning {
		s.client.Stop()
	}

	err := fn()

	if wasRunning {
		if startErr := s.client.Start(); startErr != nil {
			logger.Printf("Failed to resume polling: %v", startErr)
			if err == nil {
				err = startErr
			}
		}
	}
	return err
}

func (s *Session) callback(cmd *common.Command) obd.Callback {
	return func(resp *common.Response) {
		s.watchMu.RLock()
		fn := s.onUpdate
		conns := make([]Conn, 0, len(s.watchers[cmd.Name]))
		for _, conn := range s.watchers[cmd.Name] {
			conns = append(conns, conn)
		}
		s.watchMu.RUnlock()

		if fn != nil && len(conns) > 0 {
			fn(cmd, resp, conns)
		}
	}
}

func (s *Session) watcherCount(name string) int {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	return len(s.watchers[name])
}

// addWatcher возвращает false, если соединение уже было подписано
func (s *Session) addWatcher(name string, conn Conn) bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	conns, ok := s.watchers[name]
	if !ok {
		conns = make(map[string]Conn)
		s.watchers[name] = conns
	}
	if _, ok := conns[conn.ID()]; ok {
		return false
	}
	conns[conn.ID()] = conn
	return true
}

func (s *Session) removeWatcher(name string, conn Conn) bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	conns, ok := s.watchers[name]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(s.watchers, name)
	}
	return true
}
