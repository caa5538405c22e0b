package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"

	"obd-relay/logging"
	"obd-relay/relay"
)

var logger = logging.Register(log.New(os.Stdout, "[MQTT-Client] ", log.LstdFlags|log.Lshortfile))

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`         // Включить зеркало событий в MQTT
	Broker         string        `mapstructure:"broker"`          // Адрес брокера, например "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // Имя пользователя (опционально)
	Password       string        `mapstructure:"password"`        // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id"`       // ID клиента (опционально, генерируется если пустой)
	DataTopic      string        `mapstructure:"data_topic"`      // Базовый топик для ответов наблюдаемых команд
	CommandTopic   string        `mapstructure:"command_topic"`   // Базовый топик для событий
	QoS            byte          `mapstructure:"qos"`             // Quality of Service (0, 1, 2)
	KeepAlive      int           `mapstructure:"keep_alive"`      // Интервал keep alive в секундах
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут подключения
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`  // Автоматическое переподключение
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "obd-relay-" + hex.EncodeToString(bytes)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
	}
}

// Dispatcher обрабатывает события, пришедшие из MQTT
type Dispatcher interface {
	Handle(ctx context.Context, conn relay.Conn, event string, data json.RawMessage)
	Disconnect(conn relay.Conn)
}

// broker - часть mqttLib.Client, которой пользуется зеркало
type broker interface {
	Connect() mqttLib.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token
	Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) mqttLib.Token
}

// request - входящее событие из топика команд
type request struct {
	event string
	data  json.RawMessage
}

// Client - зеркало событий ретранслятора в MQTT.
//
// Запросы приходят в <command_topic>/<event>/request, ответы публикуются в
// <command_topic>/<event>/response, ответы наблюдаемых команд - в
// <data_topic>/<command>. Для ретранслятора клиент - одно соединение.
type Client struct {
	config     Config
	dispatcher Dispatcher
	mqttClient broker
	requests   chan request
	ctx        context.Context
	cancel     context.CancelFunc
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *log.Logger
}

// NewClient создает нового MQTT клиента
func NewClient(config Config, dispatcher Dispatcher) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:     config,
		dispatcher: dispatcher,
		requests:   make(chan request, 16),
		ctx:        ctx,
		cancel:     cancel,
		stopChan:   make(chan struct{}),
		logger:     logger,
	}
}

// Start запускает MQTT клиента
func (c *Client) Start() error {
	c.logger.Printf("Starting MQTT client, broker: %s", c.config.Broker)

	// Создаем опции подключения
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	// Устанавливаем аутентификацию если задана
	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Println("MQTT authentication: ENABLED")
	} else {
		c.logger.Println("MQTT authentication: DISABLED (anonymous mode)")
	}

	// Обработчики событий
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.start(mqttLib.NewClient(opts))

	// Подключаемся
	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		c.Stop()
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Println("MQTT client started successfully")
	return nil
}

// start запускает обработку запросов поверх брокера
func (c *Client) start(b broker) {
	c.mqttClient = b
	c.wg.Add(1)
	go c.requestLoop()
}

// Stop останавливает MQTT клиента и снимает его подписки в ретрансляторе
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Println("Stopping MQTT client...")

		close(c.stopChan)
		c.cancel()
		c.wg.Wait()

		c.dispatcher.Disconnect(c)

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			c.mqttClient.Disconnect(1000)
			c.logger.Println("MQTT client disconnected")
		}
	})
	return nil
}

// ID возвращает ID соединения в ретрансляторе
func (c *Client) ID() string {
	return "mqtt-" + c.config.ClientID
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// onConnectHandler вызывается при успешном подключении к брокеру
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Println("Connected to MQTT broker")
	c.subscribe(client)
}

func (c *Client) subscribe(b broker) {
	// Подписываемся на топики запросов
	commandTopic := fmt.Sprintf("%s/+/request", c.config.CommandTopic)
	if token := b.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Printf("Failed to subscribe to command topic %s: %v", commandTopic, token.Error())
		return
	}
	c.logger.Printf("Subscribed to command topic: %s", commandTopic)
}

// onConnectionLostHandler вызывается при потере соединения
func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Printf("Connection lost: %v", err)
}

// onReconnectingHandler вызывается при попытке переподключения
func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Println("Attempting to reconnect to MQTT broker...")
}

// onCommandReceived обрабатывает входящие запросы
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Printf("Received request on topic: %s", msg.Topic())

	event, ok := c.eventFromTopic(msg.Topic())
	if !ok {
		c.logger.Printf("Ignoring message on unexpected topic: %s", msg.Topic())
		return
	}

	req := request{event: event, data: requestData(msg.Payload())}

	// Передаем запрос в цикл обработки
	select {
	case c.requests <- req:
	case <-c.stopChan:
	case <-time.After(5 * time.Second):
		c.logger.Printf("Timeout queueing request: %s", event)
	}
}

// eventFromTopic извлекает имя события из <command_topic>/<event>/request
func (c *Client) eventFromTopic(topic string) (string, bool) {
	prefix := c.config.CommandTopic + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/request") {
		return "", false
	}
	event := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/request")
	if event == "" || strings.Contains(event, "/") {
		return "", false
	}
	return event, true
}

// requestData принимает JSON или простой текст, например RPM
func requestData(payload []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}

// requestLoop передает запросы ретранслятору по одному
func (c *Client) requestLoop() {
	defer c.wg.Done()
	c.logger.Println("Starting request loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Request loop stopped")
			return
		case req := <-c.requests:
			c.dispatcher.Handle(c.ctx, c, req.event, req.data)
		}
	}
}

// Emit публикует событие ретранслятора в MQTT
func (c *Client) Emit(event string, data []byte) error {
	switch event {
	case relay.EventWatchUpdate:
		return c.publishUpdate(data)
	case relay.EventError:
		return c.publish(fmt.Sprintf("%s/error", c.config.CommandTopic), data)
	default:
		return c.publish(fmt.Sprintf("%s/%s/response", c.config.CommandTopic, event), data)
	}
}

// publishUpdate публикует ответ наблюдаемой команды в <data_topic>/<command>
func (c *Client) publishUpdate(data []byte) error {
	var update struct {
		Command  string          `json:"command"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("failed to unmarshal watch update: %w", err)
	}
	return c.publish(fmt.Sprintf("%s/%s", c.config.DataTopic, update.Command), update.Response)
}

// publish публикует данные в топик
func (c *Client) publish(topic string, payload []byte) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.Printf("Published to %s: %d bytes", topic, len(payload))
	return nil
}
