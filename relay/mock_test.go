package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"obd-relay/common"
	"obd-relay/obd"
)

// MockClient - мок клиента OBD
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}

func (m *MockClient) Status() string {
	return m.Called().String(0)
}

func (m *MockClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockClient) PortName() string {
	return m.Called().String(0)
}

func (m *MockClient) ProtocolID() string {
	return m.Called().String(0)
}

func (m *MockClient) ProtocolName() string {
	return m.Called().String(0)
}

func (m *MockClient) SupportedCommands() common.CommandSet {
	return m.Called().Get(0).(common.CommandSet)
}

func (m *MockClient) Supports(cmd *common.Command) bool {
	return m.Called(cmd).Bool(0)
}

func (m *MockClient) Query(ctx context.Context, cmd *common.Command) (*common.Response, error) {
	args := m.Called(ctx, cmd)
	resp, _ := args.Get(0).(*common.Response)
	return resp, args.Error(1)
}

func (m *MockClient) Watch(cmd *common.Command, callback obd.Callback) error {
	return m.Called(cmd, callback).Error(0)
}

func (m *MockClient) Unwatch(cmd *common.Command) error {
	return m.Called(cmd).Error(0)
}

func (m *MockClient) UnwatchAll() error {
	return m.Called().Error(0)
}

func (m *MockClient) Start() error {
	return m.Called().Error(0)
}

func (m *MockClient) Stop() {
	m.Called()
}

func (m *MockClient) Running() bool {
	return m.Called().Bool(0)
}

type emitted struct {
	event string
	data  string
}

// fakeConn запоминает отправленные события
type fakeConn struct {
	id string

	mu     sync.Mutex
	events []emitted
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string {
	return c.id
}

func (c *fakeConn) Emit(event string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{event: event, data: string(data)})
	return nil
}

func (c *fakeConn) all() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emitted(nil), c.events...)
}

func (c *fakeConn) last() emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return emitted{}
	}
	return c.events[len(c.events)-1]
}

func (c *fakeConn) lastError() errorPayload {
	var payload errorPayload
	e := c.last()
	if e.event == EventError {
		_ = json.Unmarshal([]byte(e.data), &payload)
	}
	return payload
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}
