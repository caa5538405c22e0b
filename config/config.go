// Package config загружает настройки ретранслятора из YAML, .env и переменных окружения.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"obd-relay/elm327"
	"obd-relay/encoder"
	"obd-relay/logging"
	"obd-relay/mqtt"
	"obd-relay/obd"
	"obd-relay/relay"
	"obd-relay/transport/websocket"
)

var logger = logging.Register(log.New(os.Stdout, "[Config] ", log.LstdFlags|log.Lshortfile))

// EnvPrefix - префикс переменных окружения, например OBD_RELAY_SERVER_ADDR
const EnvPrefix = "OBD_RELAY"

// Logging представляет настройки логирования
type Logging struct {
	Level string `mapstructure:"level"` // debug, info или off
}

// Apply применяет уровень ко всем логгерам пакетов
func (l Logging) Apply() error {
	return logging.SetLevel(l.Level)
}

// Config представляет конфигурацию приложения
type Config struct {
	Simulate bool             `mapstructure:"simulate"` // Использовать встроенный симулятор ELM327
	ELM327   elm327.Config    `mapstructure:"elm327"`
	OBD      obd.Config       `mapstructure:"obd"`
	Relay    relay.Config     `mapstructure:"relay"`
	Server   websocket.Config `mapstructure:"server"`
	MQTT     mqtt.Config      `mapstructure:"mqtt"`
	Encoder  encoder.Options  `mapstructure:"encoder"`
	Logging  Logging          `mapstructure:"logging"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	mqttConfig := mqtt.DefaultConfig()
	mqttConfig.ClientID = ""

	return Config{
		ELM327:  elm327.DefaultConfig(),
		OBD:     obd.DefaultConfig(),
		Relay:   relay.DefaultConfig(),
		Server:  websocket.DefaultConfig(),
		MQTT:    mqttConfig,
		Encoder: encoder.DefaultOptions(),
		Logging: Logging{Level: logging.LevelInfo},
	}
}

// Load читает конфигурацию. Пустой path - поиск config.yaml в "." и /etc/obd-relay.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/obd-relay")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Println("No config file found, using defaults and environment")
	} else {
		logger.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	config := Default()
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if err := c.Encoder.Validate(); err != nil {
		return err
	}
	if !c.Simulate && c.ELM327.DevicePath == "" {
		return errors.New("config: elm327.device_path is required")
	}
	if c.ELM327.ReadTimeout <= 0 {
		return fmt.Errorf("config: elm327.read_timeout must be positive, got %s", c.ELM327.ReadTimeout)
	}
	if c.ELM327.ConnectTimeout < 0 {
		return fmt.Errorf("config: invalid elm327.connect_timeout %s", c.ELM327.ConnectTimeout)
	}
	if c.ELM327.BaudRate < 0 {
		return fmt.Errorf("config: invalid elm327.baud_rate %d", c.ELM327.BaudRate)
	}
	if c.OBD.Interval < 0 {
		return fmt.Errorf("config: invalid obd.interval %s", c.OBD.Interval)
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("config: server.path must start with '/', got %q", c.Server.Path)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("config: mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("config: invalid mqtt.qos %d", c.MQTT.QoS)
		}
	}
	if !logging.Valid(c.Logging.Level) {
		return fmt.Errorf("config: unknown logging.level %q, expected one of %s", c.Logging.Level, strings.Join(logging.Levels, ", "))
	}
	return nil
}

// setDefaults регистрирует все ключи, чтобы AutomaticEnv видел их при Unmarshal
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("simulate", d.Simulate)

	v.SetDefault("elm327.device_path", d.ELM327.DevicePath)
	v.SetDefault("elm327.baud_rate", d.ELM327.BaudRate)
	v.SetDefault("elm327.connect_timeout", d.ELM327.ConnectTimeout)
	v.SetDefault("elm327.read_timeout", d.ELM327.ReadTimeout)
	v.SetDefault("elm327.init_commands", d.ELM327.InitCommands)

	v.SetDefault("obd.interval", d.OBD.Interval)
	v.SetDefault("obd.headers", d.OBD.Headers)

	v.SetDefault("relay.query_timeout", d.Relay.QueryTimeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("server.read_limit", d.Server.ReadLimit)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.send_buffer", d.Server.SendBuffer)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.data_topic", d.MQTT.DataTopic)
	v.SetDefault("mqtt.command_topic", d.MQTT.CommandTopic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.keep_alive", d.MQTT.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", d.MQTT.ConnectTimeout)
	v.SetDefault("mqtt.auto_reconnect", d.MQTT.AutoReconnect)

	v.SetDefault("encoder.time_unit", d.Encoder.TimeUnit)
	v.SetDefault("encoder.expose_raw", d.Encoder.ExposeRaw)

	v.SetDefault("logging.level", d.Logging.Level)
}

// loadDotEnv загружает переменные окружения из path. Отсутствующий файл не ошибка.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
