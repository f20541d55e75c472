package transport

import (
	"github.com/stretchr/testify/mock"
)

// Mock for the Transport interface.
type TransportMock struct {
	mock.Mock
}

// Factory
func NewTransportMock() *TransportMock {
	return &TransportMock{
		Mock: mock.Mock{},
	}
}

// Mocked Start method.
func (m *TransportMock) Start() error {
	args := m.Called()
	return args.Error(0)
}

// Mocked Stop method.
func (m *TransportMock) Stop() {
	m.Called()
}

// Mocked Send method.
func (m *TransportMock) Send(message *Message) bool {
	args := m.Called(message)
	return args.Bool(0)
}

// Mocked State method.
func (m *TransportMock) State() State {
	args := m.Called()
	return args.Get(0).(State)
}
