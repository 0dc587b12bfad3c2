package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slog"
)

// Dispatcher направляет элементы очереди обработчикам по типу
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register назначает обработчик для типа элементов
func (d *Dispatcher) Register(typ string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// Handle реализует Handler
func (d *Dispatcher) Handle(ctx context.Context, item Item) (bool, error) {
	d.mu.RLock()
	h, ok := d.handlers[item.Type]
	d.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNoHandler, item.Type)
	}
	d.log.Debug("dispatching queue item", slog.String("id", item.ID), slog.String("type", item.Type))
	return h(ctx, item)
}
