package elm327

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obd-relay/elm327/simulator"
)

// blockingConn никогда не отвечает
type blockingConn struct {
	closed chan struct{}
}

func (b *blockingConn) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockingConn) Write(p []byte) (int, error) {
	return len(p), nil
}

func (b *blockingConn) Close() error {
	close(b.closed)
	return nil
}

func testConfig() Config {
	config := DefaultConfig()
	config.ReadTimeout = 500 * time.Millisecond
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "/dev/rfcomm0", config.DevicePath)
	assert.Equal(t, 0, config.BaudRate)
	assert.Equal(t, 3*time.Second, config.ReadTimeout)

	expectedCommands := []string{"ATZ", "ATE0", "ATL0", "ATS1", "ATSP0"}
	assert.Equal(t, expectedCommands, config.InitCommands)
}

func TestAdapterInitialize(t *testing.T) {
	sim := simulator.New()
	adapter := NewAdapter(testConfig(), sim)
	defer adapter.Close()

	require.NoError(t, adapter.Initialize(context.Background()))

	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATS1", "ATSP0"}, sim.Received())
	assert.Equal(t, "ELM327 v1.5", adapter.Version())
}

func TestAdapterSend(t *testing.T) {
	sim := simulator.New()
	adapter := NewAdapter(testConfig(), sim)
	defer adapter.Close()

	lines, err := adapter.Send(context.Background(), "010C")
	require.NoError(t, err)
	assert.Equal(t, []string{"41 0C 1A F8"}, lines)
}

func TestAdapterSendStripsEcho(t *testing.T) {
	sim := simulator.New()
	adapter := NewAdapter(testConfig(), sim)
	defer adapter.Close()

	_, err := adapter.Send(context.Background(), "ATE1")
	require.NoError(t, err)

	lines, err := adapter.Send(context.Background(), "010D")
	require.NoError(t, err)
	assert.Equal(t, []string{"41 0D 32"}, lines)
}

func TestAdapterSendNoData(t *testing.T) {
	sim := simulator.New()
	adapter := NewAdapter(testConfig(), sim)
	defer adapter.Close()

	_, err := adapter.Send(context.Background(), "0142")
	require.Error(t, err)
	assert.True(t, IsNoData(err))

	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, "0142", respErr.Command)
}

func TestAdapterSendTimeout(t *testing.T) {
	config := testConfig()
	config.ReadTimeout = 50 * time.Millisecond
	adapter := NewAdapter(config, &blockingConn{closed: make(chan struct{})})
	defer adapter.Close()

	_, err := adapter.Send(context.Background(), "010C")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAdapterZeroReadTimeoutUsesDefault(t *testing.T) {
	config := testConfig()
	config.ReadTimeout = 0
	adapter := NewAdapter(config, simulator.New())
	defer adapter.Close()

	assert.Equal(t, DefaultConfig().ReadTimeout, adapter.config.ReadTimeout)

	lines, err := adapter.Send(context.Background(), "010C")
	require.NoError(t, err)
	assert.Equal(t, []string{"41 0C 1A F8"}, lines)
}

func TestAdapterSendAfterClose(t *testing.T) {
	sim := simulator.New()
	adapter := NewAdapter(testConfig(), sim)

	require.NoError(t, adapter.Close())

	_, err := adapter.Send(context.Background(), "010C")
	assert.ErrorIs(t, err, ErrNotConnected)

	// Повторное закрытие безопасно
	assert.NoError(t, adapter.Close())
}

func TestAdapterSendContextCanceled(t *testing.T) {
	adapter := NewAdapter(testConfig(), &blockingConn{closed: make(chan struct{})})
	defer adapter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adapter.Send(ctx, "010C")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanLines(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		command  string
		expected []string
	}{
		{"single line", "41 0C 1A F8\r\r", "010C", []string{"41 0C 1A F8"}},
		{"echo", "010C\r41 0C 1A F8\r\r", "010C", []string{"41 0C 1A F8"}},
		{"searching", "SEARCHING...\r41 00 BE 3F A8 13\r", "0100", []string{"41 00 BE 3F A8 13"}},
		{"multi ecu", "7E8 03 41 0D 32\r7E9 03 41 0D 32\r", "010D", []string{"7E8 03 41 0D 32", "7E9 03 41 0D 32"}},
		{"empty", "\r\r", "0100", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cleanLines(tt.raw, tt.command))
		})
	}
}
