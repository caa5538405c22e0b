package elm327

import (
	"fmt"
	"io"

	"github.com/albenik/go-serial/v2"
)

// openSerial открывает USB/последовательный адаптер ELM327
func openSerial(config Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(config.DevicePath, serial.WithBaudrate(config.BaudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", config.DevicePath, err)
	}

	logger.Printf("Serial port %s opened at %d baud", config.DevicePath, config.BaudRate)
	return port, nil
}
