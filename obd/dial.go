package obd

import (
	"context"
	"io"

	"obd-relay/elm327"
)

// DialELM327 открывает устройство из конфигурации и инициализирует ELM327
func DialELM327(config elm327.Config) DialFunc {
	return func(ctx context.Context) (Link, error) {
		adapter, err := elm327.Open(config)
		if err != nil {
			return nil, err
		}
		return initialize(ctx, config, adapter)
	}
}

// DialConn использует уже открытое соединение, например симулятор
func DialConn(config elm327.Config, conn io.ReadWriteCloser) DialFunc {
	return func(ctx context.Context) (Link, error) {
		return initialize(ctx, config, elm327.NewAdapter(config, conn))
	}
}

func initialize(ctx context.Context, config elm327.Config, adapter *elm327.Adapter) (Link, error) {
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}
	if err := adapter.Initialize(ctx); err != nil {
		adapter.Close()
		return nil, err
	}
	return adapter, nil
}
