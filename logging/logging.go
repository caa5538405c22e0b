// Package logging управляет уровнем логирования пакетных логгеров.
//
// Каждый пакет создает свой *log.Logger и регистрирует его через Register.
// SetLevel меняет вывод и флаги всех зарегистрированных логгеров сразу.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Уровни логирования
const (
	LevelDebug = "debug" // Все сообщения, с файлом и строкой
	LevelInfo  = "info"  // Все сообщения, только время
	LevelOff   = "off"   // Логи отключены
)

// Levels - допустимые значения logging.level
var Levels = []string{LevelDebug, LevelInfo, LevelOff}

var (
	mu      sync.Mutex
	loggers []*log.Logger
	output  io.Writer = os.Stdout
	flags             = log.LstdFlags | log.Lshortfile
)

// Register подключает логгер к общему уровню и возвращает его
func Register(l *log.Logger) *log.Logger {
	mu.Lock()
	defer mu.Unlock()

	l.SetOutput(output)
	l.SetFlags(flags)
	loggers = append(loggers, l)
	return l
}

// Valid проверяет название уровня
func Valid(level string) bool {
	for _, l := range Levels {
		if level == l {
			return true
		}
	}
	return false
}

// SetLevel применяет уровень ко всем зарегистрированным логгерам
func SetLevel(level string) error {
	switch level {
	case LevelDebug:
		apply(os.Stdout, log.LstdFlags|log.Lshortfile)
	case LevelInfo:
		apply(os.Stdout, log.LstdFlags)
	case LevelOff:
		apply(io.Discard, log.LstdFlags)
	default:
		return fmt.Errorf("logging: unknown level %q, expected one of %s", level, strings.Join(Levels, ", "))
	}
	return nil
}

// SetOutput направляет все логи в w, флаги уровня сохраняются
func SetOutput(w io.Writer) {
	mu.Lock()
	f := flags
	mu.Unlock()
	apply(w, f)
}

func apply(w io.Writer, f int) {
	mu.Lock()
	defer mu.Unlock()

	output, flags = w, f
	for _, l := range loggers {
		l.SetOutput(w)
		l.SetFlags(f)
	}
}
