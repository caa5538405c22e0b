package obd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obd-relay/common"
	"obd-relay/elm327"
	"obd-relay/elm327/simulator"
)

func newConnectedClient(t *testing.T) (*Async, *simulator.Simulator) {
	t.Helper()

	sim := simulator.New()
	linkConfig := elm327.DefaultConfig()
	linkConfig.ReadTimeout = time.Second

	config := DefaultConfig()
	config.Interval = 10 * time.Millisecond

	client := NewAsync(config, Commands, DialConn(linkConfig, sim))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client, sim
}

func mustCommand(t *testing.T, name string) *common.Command {
	t.Helper()
	cmd, err := Commands.Get(name)
	require.NoError(t, err)
	return cmd
}

func TestAsyncConnect(t *testing.T) {
	client, _ := newConnectedClient(t)

	assert.Equal(t, StatusCarConnected, client.Status())
	assert.True(t, client.IsConnected())
	assert.Equal(t, "/dev/rfcomm0", client.PortName())
	assert.Equal(t, "6", client.ProtocolID())
	assert.Equal(t, "ISO 15765-4 (CAN 11/500)", client.ProtocolName())

	supported := client.SupportedCommands()
	for _, name := range []string{"PIDS_A", "PIDS_B", "STATUS", "RPM", "SPEED", "FUEL_LEVEL", "BAROMETRIC_PRESSURE"} {
		assert.True(t, supported.Has(mustCommand(t, name)), "expected %s to be supported", name)
	}
	assert.False(t, client.Supports(mustCommand(t, "FUEL_PRESSURE")))
	assert.False(t, client.Supports(mustCommand(t, "PIDS_C")))
}

func TestAsyncConnectNoCar(t *testing.T) {
	sim := simulator.New()
	sim.Set("0100", "")

	client := NewAsync(DefaultConfig(), Commands, DialConn(elm327.DefaultConfig(), sim))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Equal(t, StatusELMConnected, client.Status())
	assert.False(t, client.IsConnected())
	assert.Empty(t, client.SupportedCommands())
}

func TestAsyncQuery(t *testing.T) {
	client, _ := newConnectedClient(t)

	resp, err := client.Query(context.Background(), mustCommand(t, "RPM"))
	require.NoError(t, err)
	require.False(t, resp.IsNull())

	assert.Equal(t, common.Quantity{Magnitude: 1726, Unit: "rpm"}, resp.Value)
	assert.Equal(t, "rpm", resp.Unit())
	assert.Equal(t, "RPM", resp.Command.Name)
	assert.False(t, resp.Time.IsZero())
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, common.ECUEngine, resp.Messages[0].ECU)
}

func TestAsyncQueryStatus(t *testing.T) {
	client, _ := newConnectedClient(t)

	resp, err := client.Query(context.Background(), mustCommand(t, "STATUS"))
	require.NoError(t, err)

	status, ok := resp.Value.(common.Status)
	require.True(t, ok)
	assert.True(t, status.MIL)
	assert.Equal(t, 3, status.DTCCount)
}

func TestAsyncQueryUnsupportedIsNull(t *testing.T) {
	client, sim := newConnectedClient(t)

	resp, err := client.Query(context.Background(), mustCommand(t, "FUEL_PRESSURE"))
	require.NoError(t, err)
	assert.True(t, resp.IsNull())
	assert.Zero(t, sim.Count("010A"))
}

func TestAsyncQueryNoData(t *testing.T) {
	client, sim := newConnectedClient(t)
	sim.Set("010D", "")

	resp, err := client.Query(context.Background(), mustCommand(t, "SPEED"))
	require.NoError(t, err)
	assert.True(t, resp.IsNull())
}

func TestAsyncQueryNotConnected(t *testing.T) {
	client := NewAsync(DefaultConfig(), nil, nil)

	_, err := client.Query(context.Background(), mustCommand(t, "RPM"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StatusNotConnected, client.Status())
	assert.Error(t, client.Start())
}

func TestAsyncWatchPolling(t *testing.T) {
	client, sim := newConnectedClient(t)

	responses := make(chan *common.Response, 16)
	require.NoError(t, client.Watch(mustCommand(t, "SPEED"), func(r *common.Response) {
		select {
		case responses <- r:
		default:
		}
	}))

	require.NoError(t, client.Start())
	assert.True(t, client.Running())

	select {
	case resp := <-responses:
		assert.Equal(t, common.Quantity{Magnitude: 50, Unit: "km/h"}, resp.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for watched response")
	}

	// Пока опрос запущен, список наблюдения менять нельзя
	assert.ErrorIs(t, client.Watch(mustCommand(t, "RPM"), nil), ErrRunning)
	assert.ErrorIs(t, client.Unwatch(mustCommand(t, "SPEED")), ErrRunning)
	assert.ErrorIs(t, client.UnwatchAll(), ErrRunning)

	client.Stop()
	assert.False(t, client.Running())

	// После Stop цикл опроса больше не обращается к адаптеру
	polled := sim.Count("010D")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polled, sim.Count("010D"))

	require.NoError(t, client.Unwatch(mustCommand(t, "SPEED")))
	require.NoError(t, client.UnwatchAll())
}

func TestAsyncWatchUnsupported(t *testing.T) {
	client, _ := newConnectedClient(t)

	err := client.Watch(mustCommand(t, "FUEL_PRESSURE"), nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAsyncClose(t *testing.T) {
	client, _ := newConnectedClient(t)
	require.NoError(t, client.Watch(mustCommand(t, "RPM"), nil))
	require.NoError(t, client.Start())

	require.NoError(t, client.Close())

	assert.False(t, client.Running())
	assert.Equal(t, StatusNotConnected, client.Status())
	assert.Empty(t, client.PortName())
	assert.Empty(t, client.ProtocolID())

	_, err := client.Query(context.Background(), mustCommand(t, "RPM"))
	assert.ErrorIs(t, err, ErrNotConnected)
}
