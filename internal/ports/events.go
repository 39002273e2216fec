package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type EventManager interface {
	Start(ctx context.Context) error
	Stop() error

	Broadcast(event domain.Event) error
	SubscribeToChannel(runID string) (<-chan domain.Event, func(), error)

	OnRunStarted(handler func(event *domain.RunStartedEvent)) error
	OnRunCompleted(handler func(event *domain.RunCompletedEvent)) error
	OnNodeStarted(handler func(event *domain.NodeStartedEvent)) error
	OnNodeCompleted(handler func(event *domain.NodeCompletedEvent)) error

	PublishRunStarted(event *domain.RunStartedEvent) error
	PublishRunCompleted(event *domain.RunCompletedEvent) error
	PublishNodeStarted(event *domain.NodeStartedEvent) error
	PublishNodeCompleted(event *domain.NodeCompletedEvent) error
}
