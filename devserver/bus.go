package devserver

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"trackchat/models"
)

// DefaultSubject carries live events between backend instances.
const DefaultSubject = "trackchat.events"

// Bus distributes accepted messages to every backend instance, including the
// one that accepted them.
type Bus interface {
	Publish(event models.LiveEvent) error
	Subscribe(handler func(models.LiveEvent)) (func(), error)
	Close() error
}

// localBus delivers in-process only.
type localBus struct {
	mu       sync.RWMutex
	handlers map[int]func(models.LiveEvent)
	nextID   int
}

func newLocalBus() *localBus {
	return &localBus{handlers: make(map[int]func(models.LiveEvent))}
}

func (b *localBus) Publish(event models.LiveEvent) error {
	b.mu.RLock()
	handlers := make([]func(models.LiveEvent), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

func (b *localBus) Subscribe(handler func(models.LiveEvent)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}, nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]func(models.LiveEvent))
	return nil
}

// natsBus fans events out through core NATS publish/subscribe.
type natsBus struct {
	nc      *nats.Conn
	subject string
	logger  *log.Logger
}

func newNATSBus(url, subject string, logger *log.Logger) (*natsBus, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("trackchat-devserver"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("devserver: nats disconnected err=%v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Printf("devserver: nats reconnected url=%s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &natsBus{nc: nc, subject: subject, logger: logger}, nil
}

func (b *natsBus) Publish(event models.LiveEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal live event: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish to subject %q: %w", b.subject, err)
	}
	return nil
}

func (b *natsBus) Subscribe(handler func(models.LiveEvent)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var event models.LiveEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Printf("devserver: dropped bus message subject=%s err=%v", msg.Subject, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to subject %q: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %q: %w", b.subject, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
		})
	}, nil
}

func (b *natsBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
