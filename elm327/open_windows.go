//go:build windows

package elm327

import (
	"fmt"
	"io"
)

func openTTY(config Config) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("RFCOMM tty %s is not supported on windows, set baud_rate to use a COM port", config.DevicePath)
}
