package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type written struct {
	messageType int
	data        []byte
}

type mockWS struct {
	readCh      chan []byte
	writeCh     chan written
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan written, 100),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	if m.errToReturn != nil {
		return 0, nil, m.errToReturn
	}
	select {
	case data, ok := <-m.readCh:
		if !ok {
			return 0, nil, errors.New("closed")
		}
		return websocket.BinaryMessage, data, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWS) WriteMessage(messageType int, data []byte) error {
	if m.closed() {
		return errors.New("connection closed")
	}
	m.writeCh <- written{messageType: messageType, data: data}
	return nil
}

func (m *mockWS) WriteControl(messageType int, data []byte, _ time.Time) error {
	return m.WriteMessage(messageType, data)
}

func (m *mockWS) SetReadLimit(int64) {}
func (m *mockWS) SetReadDeadline(time.Time) error { return nil }
func (m *mockWS) SetWriteDeadline(time.Time) error { return nil }
func (m *mockWS) SetPongHandler(func(string) error) {}
