package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/google/uuid"
)

const subscriberBuffer = 128

// Manager fans lifecycle events out to typed handlers and per-run channel
// subscribers. Channel delivery never blocks the publisher: a full
// subscriber misses the event.
type Manager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc

	runStartedHandlers    []func(*domain.RunStartedEvent)
	runCompletedHandlers  []func(*domain.RunCompletedEvent)
	nodeStartedHandlers   []func(*domain.NodeStartedEvent)
	nodeCompletedHandlers []func(*domain.NodeCompletedEvent)
}

type subscriber struct {
	id      string
	runID   string
	channel chan domain.Event
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:      logger.With("component", "event-manager"),
		subscribers: make(map[string]*subscriber),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return domain.ErrAlreadyStarted
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.logger.Debug("event manager started")
	return nil
}

// Stop closes every subscriber channel.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return domain.ErrNotStarted
	}

	m.cancel()
	for id, sub := range m.subscribers {
		close(sub.channel)
		delete(m.subscribers, id)
	}

	m.running = false
	m.logger.Debug("event manager stopped")
	return nil
}

func (m *Manager) Broadcast(event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		select {
		case sub.channel <- event:
		default:
			m.logger.Warn("dropping event for slow subscriber",
				"subscriber", sub.id,
				"type", event.Type,
				"run_id", event.RunID)
		}
	}
	return nil
}

// SubscribeToChannel streams the events of one run, or of every run when
// runID is empty. The returned func unsubscribes and closes the channel.
func (m *Manager) SubscribeToChannel(runID string) (<-chan domain.Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, nil, domain.ErrNotStarted
	}

	sub := &subscriber{
		id:      uuid.New().String(),
		runID:   runID,
		channel: make(chan domain.Event, subscriberBuffer),
	}
	m.subscribers[sub.id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subscribers[sub.id]; ok {
				close(sub.channel)
				delete(m.subscribers, sub.id)
			}
		})
	}

	m.logger.Debug("subscriber added", "subscriber", sub.id, "run_id", runID)
	return sub.channel, unsubscribe, nil
}

func (m *Manager) OnRunStarted(handler func(*domain.RunStartedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runStartedHandlers = append(m.runStartedHandlers, handler)
	return nil
}

func (m *Manager) OnRunCompleted(handler func(*domain.RunCompletedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCompletedHandlers = append(m.runCompletedHandlers, handler)
	return nil
}

func (m *Manager) OnNodeStarted(handler func(*domain.NodeStartedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeStartedHandlers = append(m.nodeStartedHandlers, handler)
	return nil
}

func (m *Manager) OnNodeCompleted(handler func(*domain.NodeCompletedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeCompletedHandlers = append(m.nodeCompletedHandlers, handler)
	return nil
}

func (m *Manager) PublishRunStarted(event *domain.RunStartedEvent) error {
	m.mu.RLock()
	handlers := make([]func(*domain.RunStartedEvent), len(m.runStartedHandlers))
	copy(handlers, m.runStartedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		go m.safeCall(func() { handler(event) })
	}
	return m.Broadcast(domain.Event{Type: domain.EventRunStarted, RunID: event.RunID, Timestamp: event.StartedAt, Data: event})
}

func (m *Manager) PublishRunCompleted(event *domain.RunCompletedEvent) error {
	m.mu.RLock()
	handlers := make([]func(*domain.RunCompletedEvent), len(m.runCompletedHandlers))
	copy(handlers, m.runCompletedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		go m.safeCall(func() { handler(event) })
	}
	return m.Broadcast(domain.Event{Type: domain.EventRunCompleted, RunID: event.RunID, Timestamp: event.CompletedAt, Data: event})
}

func (m *Manager) PublishNodeStarted(event *domain.NodeStartedEvent) error {
	m.mu.RLock()
	handlers := make([]func(*domain.NodeStartedEvent), len(m.nodeStartedHandlers))
	copy(handlers, m.nodeStartedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		go m.safeCall(func() { handler(event) })
	}
	return m.Broadcast(domain.Event{Type: domain.EventNodeStarted, RunID: event.RunID, NodeID: event.NodeID, Timestamp: event.StartedAt, Data: event})
}

func (m *Manager) PublishNodeCompleted(event *domain.NodeCompletedEvent) error {
	m.mu.RLock()
	handlers := make([]func(*domain.NodeCompletedEvent), len(m.nodeCompletedHandlers))
	copy(handlers, m.nodeCompletedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		go m.safeCall(func() { handler(event) })
	}
	return m.Broadcast(domain.Event{Type: domain.EventNodeCompleted, RunID: event.RunID, NodeID: event.NodeID, Timestamp: event.CompletedAt, Data: event})
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}
