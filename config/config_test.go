package config

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obd-relay/encoder"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	config := Default()

	require.NoError(t, config.Validate())
	assert.Equal(t, "/dev/rfcomm0", config.ELM327.DevicePath)
	assert.Equal(t, ":8080", config.Server.Addr)
	assert.Equal(t, encoder.TimeMilliseconds, config.Encoder.TimeUnit)
	assert.False(t, config.MQTT.Enabled)
	assert.Empty(t, config.MQTT.ClientID)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
elm327:
  device_path: /dev/ttyUSB0
  baud_rate: 38400
  read_timeout: 2s
obd:
  interval: 500ms
  headers: false
server:
  addr: ":9090"
  path: /obd
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 2
encoder:
  time_unit: s
  expose_raw: true
logging:
  level: debug
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", config.ELM327.DevicePath)
	assert.Equal(t, 38400, config.ELM327.BaudRate)
	assert.Equal(t, 2*time.Second, config.ELM327.ReadTimeout)
	assert.Equal(t, 10*time.Second, config.ELM327.ConnectTimeout, "Expected default for unset key")
	assert.Equal(t, 500*time.Millisecond, config.OBD.Interval)
	assert.False(t, config.OBD.Headers)
	assert.Equal(t, ":9090", config.Server.Addr)
	assert.Equal(t, "/obd", config.Server.Path)
	assert.True(t, config.MQTT.Enabled)
	assert.Equal(t, byte(2), config.MQTT.QoS)
	assert.Equal(t, "car/command", config.MQTT.CommandTopic)
	assert.Equal(t, encoder.Options{TimeUnit: encoder.TimeSeconds, ExposeRaw: true}, config.Encoder)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  addr: \":9090\"\n")
	t.Setenv("OBD_RELAY_SERVER_ADDR", ":7000")
	t.Setenv("OBD_RELAY_ENCODER_TIME_UNIT", "s")
	t.Setenv("OBD_RELAY_SIMULATE", "true")

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", config.Server.Addr)
	assert.Equal(t, encoder.TimeSeconds, config.Encoder.TimeUnit)
	assert.True(t, config.Simulate)
}

func TestLoadWithoutFile(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, config.Server)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, "config.yaml", "encoder:\n  time_unit: minutes\n")
	_, err = Load(path)
	assert.Error(t, err)

	path = writeFile(t, "config.yaml", "elm327:\n  read_timeout: 0s\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "read_timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"no device", func(c *Config) { c.ELM327.DevicePath = "" }, false},
		{"no device with simulator", func(c *Config) { c.ELM327.DevicePath = ""; c.Simulate = true }, true},
		{"negative baud rate", func(c *Config) { c.ELM327.BaudRate = -1 }, false},
		{"negative interval", func(c *Config) { c.OBD.Interval = -time.Second }, false},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, false},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }, false},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, false},
		{"mqtt bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, false},
		{"bad qos ignored when disabled", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"unknown time unit", func(c *Config) { c.Encoder.TimeUnit = "h" }, false},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, false},
		{"logs off", func(c *Config) { c.Logging.Level = "off" }, true},
		{"zero read timeout", func(c *Config) { c.ELM327.ReadTimeout = 0 }, false},
		{"negative read timeout", func(c *Config) { c.ELM327.ReadTimeout = -time.Second }, false},
		{"negative connect timeout", func(c *Config) { c.ELM327.ConnectTimeout = -time.Second }, false},
		{"zero connect timeout", func(c *Config) { c.ELM327.ConnectTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(&config)
			err := config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")), "Missing .env must be ignored")

	path := writeFile(t, ".env", "OBD_RELAY_DOTENV_TEST=from-file\n")
	t.Cleanup(func() { os.Unsetenv("OBD_RELAY_DOTENV_TEST") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("OBD_RELAY_DOTENV_TEST"))
}

func TestLoggingApply(t *testing.T) {
	t.Cleanup(func() { require.NoError(t, Logging{Level: "debug"}.Apply()) })

	require.NoError(t, Logging{Level: "info"}.Apply())
	assert.Equal(t, log.LstdFlags, logger.Flags())

	require.NoError(t, Logging{Level: "debug"}.Apply())
	assert.Equal(t, log.LstdFlags|log.Lshortfile, logger.Flags())

	assert.Error(t, Logging{Level: "warn"}.Apply())
}
