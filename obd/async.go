package obd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"obd-relay/common"
	"obd-relay/elm327"
	"obd-relay/logging"
)

var logger = logging.Register(log.New(os.Stdout, "[OBD-Client] ", log.LstdFlags|log.Lshortfile))

// Статусы подключения
const (
	StatusNotConnected = "Not Connected"
	StatusELMConnected = "ELM Connected"
	StatusOBDConnected = "OBD Connected"
	StatusCarConnected = "Car Connected"
)

var (
	ErrNotConnected = errors.New("obd: not connected")
	ErrRunning      = errors.New("obd: watch list cannot change while polling is running")
	ErrUnsupported  = errors.New("obd: command not supported by vehicle")
)

// Link - канал обмена командами с ELM327
type Link interface {
	Send(ctx context.Context, command string) ([]string, error)
	PortName() string
	Close() error
}

// DialFunc открывает и инициализирует канал к ELM327
type DialFunc func(ctx context.Context) (Link, error)

// Callback вызывается из цикла опроса на каждый новый ответ
type Callback func(*common.Response)

// Config представляет настройки клиента
type Config struct {
	Interval time.Duration `mapstructure:"interval"` // Пауза между циклами опроса
	Headers  bool          `mapstructure:"headers"`  // Включать заголовки ответов (ATH1)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Interval: 250 * time.Millisecond,
		Headers:  true,
	}
}

type watch struct {
	cmd       *common.Command
	callbacks []Callback
}

// Async - клиент OBD с фоновым опросом наблюдаемых команд.
//
// ctl сериализует подключение, запуск/остановку опроса и изменения списка
// наблюдения. Цикл опроса никогда не берет ctl, поэтому Stop может ждать его
// завершения, удерживая ctl.
type Async struct {
	config   Config
	registry *Registry
	dial     DialFunc

	ctl sync.Mutex

	mu        sync.RWMutex
	link      Link
	status    string
	protocol  common.Protocol
	supported common.CommandSet
	watches   map[string]*watch
	running   bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAsync создает клиента. Подключение выполняется в Connect.
func NewAsync(config Config, registry *Registry, dial DialFunc) *Async {
	if registry == nil {
		registry = Commands
	}
	return &Async{
		config:    config,
		registry:  registry,
		dial:      dial,
		status:    StatusNotConnected,
		supported: common.CommandSet{},
		watches:   make(map[string]*watch),
	}
}

// Connect открывает канал к ELM327, определяет протокол и поддерживаемые команды
func (a *Async) Connect(ctx context.Context) error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	if a.getLink() != nil {
		return nil
	}

	link, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to ELM327: %w", err)
	}

	a.mu.Lock()
	a.link = link
	a.status = StatusELMConnected
	a.mu.Unlock()
	logger.Printf("ELM327 connected on %s", link.PortName())

	headers := "ATH0"
	if a.config.Headers {
		headers = "ATH1"
	}
	if _, err := link.Send(ctx, headers); err != nil {
		logger.Printf("Warning: %s failed: %v", headers, err)
	}

	// Первый запрос запускает автоматический поиск протокола
	if _, err := link.Send(ctx, "0100"); err != nil {
		logger.Printf("Vehicle did not answer protocol search: %v", err)
		return nil
	}

	lines, err := link.Send(ctx, "ATDPN")
	if err != nil || len(lines) == 0 {
		logger.Printf("Failed to read protocol number: %v", err)
		return nil
	}
	id := strings.TrimPrefix(strings.ToUpper(lines[0]), "A")
	protocol, ok := common.Protocols[id]
	if !ok {
		logger.Printf("Unknown protocol number %q", lines[0])
		return nil
	}

	a.mu.Lock()
	a.protocol = protocol
	a.status = StatusOBDConnected
	a.mu.Unlock()
	logger.Printf("Protocol: %s (%s)", protocol.Name, protocol.ID)

	supported, err := a.loadSupported(ctx)
	if err != nil {
		logger.Printf("Failed to load supported commands: %v", err)
		return nil
	}

	a.mu.Lock()
	a.supported = supported
	a.status = StatusCarConnected
	a.mu.Unlock()
	logger.Printf("Car connected, %d commands supported", len(supported))
	return nil
}

// loadSupported читает битовые карты PIDS_A, PIDS_B, PIDS_C
func (a *Async) loadSupported(ctx context.Context) (common.CommandSet, error) {
	supported := common.CommandSet{}

	for _, name := range []string{"PIDS_A", "PIDS_B", "PIDS_C"} {
		cmd, err := a.registry.Get(name)
		if err != nil {
			return nil, err
		}
		resp, err := a.query(ctx, cmd)
		if err != nil {
			if len(supported) == 0 {
				return nil, err
			}
			break
		}
		bits, ok := resp.Value.([]bool)
		if !ok {
			if len(supported) == 0 {
				return nil, fmt.Errorf("no answer to %s", name)
			}
			break
		}

		supported.Add(cmd)
		raw, _ := hex.DecodeString(cmd.PID())
		base := int(raw[0])
		for i, on := range bits {
			if !on {
				continue
			}
			if c, ok := a.registry.ByPID(cmd.Mode(), fmt.Sprintf("%02X", base+i+1)); ok {
				supported.Add(c)
			}
		}

		// Последний бит сообщает о наличии следующей карты
		if !bits[len(bits)-1] {
			break
		}
	}
	return supported, nil
}

// Close останавливает опрос и закрывает канал
func (a *Async) Close() error {
	a.Stop()

	a.ctl.Lock()
	defer a.ctl.Unlock()

	link := a.getLink()
	if link == nil {
		return nil
	}

	err := link.Close()

	a.mu.Lock()
	a.link = nil
	a.status = StatusNotConnected
	a.protocol = common.Protocol{}
	a.supported = common.CommandSet{}
	a.watches = make(map[string]*watch)
	a.mu.Unlock()

	logger.Println("OBD connection closed")
	return err
}

func (a *Async) getLink() Link {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.link
}

// Status возвращает статус подключения
func (a *Async) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// IsConnected возвращает true, если автомобиль отвечает
func (a *Async) IsConnected() bool {
	return a.Status() == StatusCarConnected
}

// PortName возвращает имя порта ELM327
func (a *Async) PortName() string {
	link := a.getLink()
	if link == nil {
		return ""
	}
	return link.PortName()
}

// ProtocolID возвращает номер протокола ELM327
func (a *Async) ProtocolID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.protocol.ID
}

// ProtocolName возвращает название протокола
func (a *Async) ProtocolName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.protocol.Name
}

// SupportedCommands возвращает копию множества поддерживаемых команд
func (a *Async) SupportedCommands() common.CommandSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set := make(common.CommandSet, len(a.supported))
	for name, cmd := range a.supported {
		set[name] = cmd
	}
	return set
}

// Supports проверяет, поддерживает ли автомобиль команду
func (a *Async) Supports(cmd *common.Command) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.supported.Has(cmd)
}

// Running сообщает, запущен ли цикл опроса
func (a *Async) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Query выполняет запрос. Неподдерживаемая команда дает пустой ответ.
func (a *Async) Query(ctx context.Context, cmd *common.Command) (*common.Response, error) {
	if a.getLink() == nil {
		return nil, ErrNotConnected
	}
	if !a.Supports(cmd) {
		logger.Printf("Warning: %s is not supported by the vehicle", cmd.Name)
		return &common.Response{Command: cmd, Time: time.Now()}, nil
	}
	return a.query(ctx, cmd)
}

func (a *Async) query(ctx context.Context, cmd *common.Command) (*common.Response, error) {
	link := a.getLink()
	if link == nil {
		return nil, ErrNotConnected
	}

	lines, err := link.Send(ctx, string(cmd.Command))
	now := time.Now()
	if err != nil {
		if elm327.IsNoData(err) {
			return &common.Response{Command: cmd, Time: now}, nil
		}
		return nil, fmt.Errorf("query %s: %w", cmd.Name, err)
	}

	a.mu.RLock()
	protocol := a.protocol
	a.mu.RUnlock()

	messages := parseMessages(lines, protocol, a.config.Headers)
	value, err := a.decode(cmd, messages)
	if err != nil {
		logger.Printf("Failed to decode %s %q: %v", cmd.Name, lines, err)
		value = nil
	}

	return &common.Response{
		Command:  cmd,
		Value:    value,
		Messages: messages,
		Time:     now,
	}, nil
}

// decode находит сообщение с эхом сервиса и PID и декодирует данные
func (a *Async) decode(cmd *common.Command, messages []common.Message) (interface{}, error) {
	decoder, ok := a.registry.decoder(cmd)
	if !ok {
		return nil, fmt.Errorf("no decoder for %s", cmd.Name)
	}
	request, err := hex.DecodeString(string(cmd.Command))
	if err != nil || len(request) < 2 {
		return nil, fmt.Errorf("invalid command bytes %q", cmd.Command)
	}

	for _, msg := range messages {
		if len(msg.Data) < 2 || msg.Data[0] != request[0]+0x40 || msg.Data[1] != request[1] {
			continue
		}
		return decoder(msg.Data[2:])
	}
	return nil, fmt.Errorf("no message answers %s", cmd.Name)
}

// Watch добавляет команду в цикл опроса. Опрос должен быть остановлен.
func (a *Async) Watch(cmd *common.Command, callback Callback) error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrRunning
	}
	if !a.supported.Has(cmd) {
		return fmt.Errorf("%w: %s", ErrUnsupported, cmd.Name)
	}

	w, ok := a.watches[cmd.Name]
	if !ok {
		w = &watch{cmd: cmd}
		a.watches[cmd.Name] = w
	}
	if callback != nil {
		w.callbacks = append(w.callbacks, callback)
	}
	logger.Printf("Watching %s", cmd.Name)
	return nil
}

// Unwatch удаляет команду и все ее обработчики из цикла опроса
func (a *Async) Unwatch(cmd *common.Command) error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrRunning
	}
	delete(a.watches, cmd.Name)
	logger.Printf("Unwatched %s", cmd.Name)
	return nil
}

// UnwatchAll очищает список наблюдения
func (a *Async) UnwatchAll() error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrRunning
	}
	a.watches = make(map[string]*watch)
	logger.Println("Unwatched all commands")
	return nil
}

// Start запускает цикл опроса
func (a *Async) Start() error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}
	if a.link == nil {
		return ErrNotConnected
	}

	a.running = true
	a.stopChan = make(chan struct{})
	a.wg.Add(1)
	go a.pollLoop(a.stopChan)

	logger.Printf("Polling started, %d commands watched", len(a.watches))
	return nil
}

// Stop останавливает цикл опроса и ждет завершения текущего цикла
func (a *Async) Stop() {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()
	if !running {
		return
	}

	close(a.stopChan)
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	logger.Println("Polling stopped")
}

// pollLoop опрашивает наблюдаемые команды до остановки
func (a *Async) pollLoop(stop <-chan struct{}) {
	defer a.wg.Done()

	for {
		a.pollCycle(stop)

		select {
		case <-stop:
			return
		case <-time.After(a.config.Interval):
		}
	}
}

func (a *Async) pollCycle(stop <-chan struct{}) {
	a.mu.RLock()
	watches := make([]*watch, 0, len(a.watches))
	for _, w := range a.watches {
		watches = append(watches, &watch{cmd: w.cmd, callbacks: append([]Callback(nil), w.callbacks...)})
	}
	a.mu.RUnlock()

	for _, w := range watches {
		select {
		case <-stop:
			return
		default:
		}

		resp, err := a.query(context.Background(), w.cmd)
		if err != nil {
			logger.Printf("Poll %s failed: %v", w.cmd.Name, err)
			continue
		}
		for _, callback := range w.callbacks {
			callback(resp)
		}
	}
}
