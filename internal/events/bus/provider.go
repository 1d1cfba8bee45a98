package bus

import (
	"context"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
)

// Provided bundles the authoritative in-process bus with an optional NATS
// fan-out sink, wired together so every publish on Bus also forwards to NATS
// when configured.
type Provided struct {
	Bus  EventBus
	NATS *NATSSink
}

// Provide builds the event bus stack from configuration: always an in-memory
// EventBus as the authoritative, low-latency path; additionally a NATS sink
// if cfg.URL is set, fed via a wildcard subscription on the memory bus.
func Provide(cfg config.NATSConfig, log *logger.Logger) (*Provided, func(), error) {
	memBus := NewMemoryEventBus(log)

	if cfg.URL == "" {
		return &Provided{Bus: memBus}, func() { memBus.Close() }, nil
	}

	sink, err := NewNATSSink(cfg.URL, cfg.ClientID, cfg.MaxReconnects, log)
	if err != nil {
		return nil, nil, err
	}

	sub, err := memBus.Subscribe(">", func(ctx context.Context, subject string, e *Event) {
		sink.Forward(ctx, subject, e)
	})
	if err != nil {
		sink.Close()
		return nil, nil, err
	}

	cleanup := func() {
		sub.Unsubscribe()
		sink.Close()
		memBus.Close()
	}
	return &Provided{Bus: memBus, NATS: sink}, cleanup, nil
}
