package events

import (
	"fmt"
	"strings"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
)

// Provided wraps the active EventBus implementation, grounded on
// apps/backend/internal/events/provider.go's Provide function.
type Provided struct {
	Bus    EventBus
	Memory *MemoryEventBus
	NATS   *NATSEventBus
}

// Provide builds the EventBus selected by cfg.NATS.URL: NATS when set, the
// in-process fallback otherwise (§10.3). The returned cleanup func closes
// whichever implementation was built.
func Provide(cfg *config.Config, log *logger.Logger) (*Provided, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing nats event bus: %w", err)
		}
		return &Provided{Bus: natsBus, NATS: natsBus}, func() error { natsBus.Close(); return nil }, nil
	}

	memBus := NewMemoryEventBus(log)
	return &Provided{Bus: memBus, Memory: memBus}, func() error { memBus.Close(); return nil }, nil
}
