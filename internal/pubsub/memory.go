package pubsub

import (
	"context"
	"errors"
	"sync"
)

var (
	_ PubSub = (*Memory)(nil)

	ErrClosed = errors.New("pubsub closed")
)

// Memory is an in-process PubSub for single-node setups where the HTTP API
// is the only client.
type Memory struct {
	mu       sync.Mutex
	handlers map[string][]PubSubHandler
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewMemory() *Memory {
	m := &Memory{handlers: make(map[string][]PubSubHandler)}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Memory) Subscribe(channel string, handler PubSubHandler, onStart func() error) error {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrClosed
	}
	m.handlers[channel] = append(m.handlers[channel], handler)
	m.mu.Unlock()

	if onStart != nil {
		if err := onStart(); err != nil {
			return err
		}
	}
	<-m.ctx.Done()
	return nil
}

// Publish delivers synchronously to every handler of channel.
func (m *Memory) Publish(channel string, message []byte) error {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrClosed
	}
	handlers := append([]PubSubHandler(nil), m.handlers[channel]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(m.ctx, message)
	}
	return nil
}

func (m *Memory) Check() error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.cancel()
	return nil
}
