package bus

import (
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/config"
	"github.com/tentickle/tentickle/internal/common/logger"
)

// Provide returns the event bus for the given configuration. A NATS URL
// selects the NATS bus; otherwise the in-memory bus is used. If the NATS
// connection fails the in-memory bus is returned so the daemon still comes
// up, with cross-process visibility degraded.
func Provide(cfg config.NATSConfig, log *logger.Logger) EventBus {
	if cfg.URL == "" {
		return NewMemoryEventBus(log)
	}
	natsBus, err := NewNATSEventBus(cfg, log)
	if err != nil {
		log.Warn("NATS unavailable, falling back to in-memory event bus",
			zap.String("url", cfg.URL),
			zap.Error(err))
		return NewMemoryEventBus(log)
	}
	return natsBus
}
