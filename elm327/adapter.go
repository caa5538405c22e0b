package elm327

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"obd-relay/logging"
)

var logger = logging.Register(log.New(os.Stdout, "[ELM327-Adapter] ", log.LstdFlags|log.Lshortfile))

var (
	ErrNotConnected = errors.New("elm327: adapter not connected")
	ErrTimeout      = errors.New("elm327: timeout waiting for prompt")
)

// Сообщения, которые ELM327 возвращает вместо данных
var errorMessages = []string{
	"NO DATA",
	"UNABLE TO CONNECT",
	"CAN ERROR",
	"BUS ERROR",
	"BUS BUSY",
	"BUS INIT",
	"BUFFER FULL",
	"DATA ERROR",
	"FB ERROR",
	"LV RESET",
	"STOPPED",
	"?",
}

// ResponseError - ELM327 ответил сообщением об ошибке
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("elm327: %s: %s", e.Command, e.Message)
}

// IsNoData сообщает, что автомобиль не ответил на запрос
func IsNoData(err error) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.Message == "NO DATA"
}

// Config представляет конфигурацию подключения к ELM327
type Config struct {
	DevicePath     string        `mapstructure:"device_path"`     // Путь к устройству, например "/dev/rfcomm0"
	BaudRate       int           `mapstructure:"baud_rate"`       // Скорость последовательного порта, 0 - RFCOMM tty
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут на подключение
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`    // Таймаут ожидания приглашения '>'
	InitCommands   []string      `mapstructure:"init_commands"`   // Команды для инициализации ELM327
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DevicePath:     "/dev/rfcomm0",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    3 * time.Second,
		InitCommands: []string{
			"ATZ",   // Полный сброс
			"ATE0",  // Отключить эхо
			"ATL0",  // Отключить перевод строки
			"ATS1",  // Пробелы между байтами
			"ATSP0", // Автоматический выбор протокола
		},
	}
}

// Adapter представляет соединение с ELM327
type Adapter struct {
	config    Config
	conn      io.ReadWriteCloser
	sendMutex sync.Mutex
	responses chan string   // Ответы, прочитанные до приглашения '>'
	done      chan struct{} // Закрывается, когда readLoop завершился
	stopChan  chan struct{}
	closeOnce sync.Once
	readErr   error
	version   string
}

// NewAdapter создает адаптер поверх уже открытого соединения и запускает чтение
func NewAdapter(config Config, conn io.ReadWriteCloser) *Adapter {
	// Нулевой таймаут сработал бы сразу на каждой команде
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	a := &Adapter{
		config:    config,
		conn:      conn,
		responses: make(chan string, 4),
		done:      make(chan struct{}),
		stopChan:  make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Open открывает устройство из конфигурации.
// При BaudRate > 0 используется последовательный порт, иначе RFCOMM tty.
func Open(config Config) (*Adapter, error) {
	logger.Printf("Opening ELM327 device: %s", config.DevicePath)

	var (
		conn io.ReadWriteCloser
		err  error
	)
	if config.BaudRate > 0 {
		conn, err = openSerial(config)
	} else {
		conn, err = openTTY(config)
	}
	if err != nil {
		return nil, err
	}

	return NewAdapter(config, conn), nil
}

// PortName возвращает путь к устройству
func (a *Adapter) PortName() string {
	return a.config.DevicePath
}

// Version возвращает строку версии из ответа на ATZ
func (a *Adapter) Version() string {
	a.sendMutex.Lock()
	defer a.sendMutex.Unlock()
	return a.version
}

// Initialize отправляет команды инициализации последовательно
func (a *Adapter) Initialize(ctx context.Context) error {
	logger.Println("Initializing ELM327...")

	for i, cmd := range a.config.InitCommands {
		logger.Printf("Sending init command %d/%d: %s", i+1, len(a.config.InitCommands), cmd)

		lines, err := a.Send(ctx, cmd)
		if err != nil {
			if errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
				return fmt.Errorf("failed to send command %s: %w", cmd, err)
			}
			logger.Printf("Warning: No response to %s (err: %v). Continuing...", cmd, err)
			continue
		}

		logger.Printf("Response to %s: %q", cmd, lines)
		if strings.EqualFold(cmd, "ATZ") || strings.EqualFold(cmd, "ATI") {
			a.sendMutex.Lock()
			a.version = strings.Join(lines, " ")
			a.sendMutex.Unlock()
		}
	}

	logger.Println("ELM327 initialization completed")
	return nil
}

// Send отправляет команду и возвращает строки ответа до приглашения '>'
func (a *Adapter) Send(ctx context.Context, command string) ([]string, error) {
	a.sendMutex.Lock()
	defer a.sendMutex.Unlock()

	select {
	case <-a.done:
		return nil, a.linkErr()
	default:
	}

	// Отбрасываем ответы, пришедшие без запроса
	for drained := false; !drained; {
		select {
		case stale := <-a.responses:
			logger.Printf("Dropping unsolicited response: %q", stale)
		default:
			drained = true
		}
	}

	if _, err := a.conn.Write([]byte(command + "\r")); err != nil {
		logger.Printf("Write error: %v", err)
		a.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(a.config.ReadTimeout)
	defer timer.Stop()

	select {
	case raw := <-a.responses:
		lines := cleanLines(raw, command)
		for _, line := range lines {
			for _, msg := range errorMessages {
				if line == msg || (msg != "?" && strings.HasPrefix(line, msg)) {
					return lines, &ResponseError{Command: command, Message: msg}
				}
			}
		}
		return lines, nil
	case <-a.done:
		return nil, a.linkErr()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrTimeout, command)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close закрывает соединение и останавливает чтение
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopChan)
		err = a.conn.Close()
		<-a.done
		logger.Println("ELM327 connection closed")
	})
	return err
}

func (a *Adapter) linkErr() error {
	if a.readErr != nil && !errors.Is(a.readErr, io.EOF) {
		return fmt.Errorf("%w: %v", ErrNotConnected, a.readErr)
	}
	return ErrNotConnected
}

// readLoop читает данные до символа '>' (конец ответа ELM327)
func (a *Adapter) readLoop() {
	defer close(a.done)
	reader := bufio.NewReader(a.conn)

	for {
		data, err := reader.ReadBytes('>')
		if err != nil {
			select {
			case <-a.stopChan:
			default:
				logger.Printf("Read error: %v", err)
			}
			a.readErr = err
			return
		}

		response := strings.TrimSuffix(string(data), ">")

		select {
		case a.responses <- response:
		case <-a.stopChan:
			return
		default:
			logger.Printf("Warning: responses channel is full, dropping response: %q", response)
		}
	}
}

// cleanLines разбивает ответ на строки и убирает эхо и служебные сообщения
func cleanLines(raw, command string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })

	lines := make([]string, 0, len(fields))
	for _, field := range fields {
		line := strings.TrimSpace(field)
		switch {
		case line == "":
		case strings.EqualFold(line, command):
		case strings.HasPrefix(line, "SEARCHING"):
		case strings.HasPrefix(line, "BUS INIT") && !strings.HasSuffix(line, "ERROR"):
		default:
			lines = append(lines, line)
		}
	}
	return lines
}
