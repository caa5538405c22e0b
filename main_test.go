package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obd-relay/config"
	"obd-relay/obd"
)

func TestNewAppCommands(t *testing.T) {
	app := NewApp()

	var names []string
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"serve", "commands"}, names)
}

func TestCommandsCommand(t *testing.T) {
	app := NewApp()
	var out bytes.Buffer
	app.Writer = &out

	require.NoError(t, app.Run([]string{"obd-relay", "commands"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, len(obd.Commands.Names())+1)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, out.String(), "RPM")
	assert.Contains(t, out.String(), "010C")
	assert.Contains(t, out.String(), "Engine RPM")
}

func TestConnectLoopSimulator(t *testing.T) {
	cfg := config.Default()
	cfg.Simulate = true

	client := obd.NewAsync(cfg.OBD, obd.Commands, buildDial(&cfg))
	defer client.Close()

	require.True(t, connectLoop(context.Background(), client, 10*time.Millisecond))
	assert.True(t, client.IsConnected())
}

func TestConnectLoopCanceled(t *testing.T) {
	cfg := config.Default()
	cfg.ELM327.DevicePath = "/nonexistent/rfcomm-test"

	client := obd.NewAsync(cfg.OBD, obd.Commands, buildDial(&cfg))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.False(t, connectLoop(ctx, client, 10*time.Millisecond))
	assert.Equal(t, obd.StatusNotConnected, client.Status())
}
