//go:build !windows

package elm327

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// openTTY открывает RFCOMM устройство, созданное через 'rfcomm bind'
func openTTY(config Config) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(config.DevicePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("device %s does not exist. Please run 'sudo rfcomm bind' first", config.DevicePath)
	}

	file, err := os.OpenFile(config.DevicePath, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.DevicePath, err)
	}

	// Без raw режима терминал съедает '\r' и буферизует строки
	if term.IsTerminal(int(file.Fd())) {
		if _, err := term.MakeRaw(int(file.Fd())); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to set raw mode on %s: %w", config.DevicePath, err)
		}
	}

	return file, nil
}
