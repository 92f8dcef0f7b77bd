package events

import (
	"sync"

	"github.com/robocore/robocore/internal/common/config"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events/bus"
)

// Bus subjects used when the NATS driver is selected.
const (
	InputSubject  = "robocore.events.input"
	OutputSubject = "robocore.events.output"
)

var (
	configMu   sync.Mutex
	natsConfig *config.NATSConfig

	inputOnce sync.Once
	inputBus  bus.Bus[*InputEvent]

	outputOnce sync.Once
	outputBus  bus.Bus[*OutputEvent]

	consumedOnce sync.Once
	consumedSet  *ConsumedSet

	elicitOnce sync.Once
	elicitSet  *ElicitationSet
)

// Configure selects the bus driver for the process-wide buses. Must be
// called before the first InputBus/OutputBus access to take effect; an empty
// NATS URL (or no call at all) selects the in-memory driver.
func Configure(cfg config.NATSConfig) {
	configMu.Lock()
	defer configMu.Unlock()
	natsConfig = &cfg
}

func newBus[T any](subject string) bus.Bus[T] {
	configMu.Lock()
	cfg := natsConfig
	configMu.Unlock()

	log := logger.Default()
	if cfg != nil && cfg.URL != "" {
		b, err := bus.NewNATSBus[T](*cfg, subject, log)
		if err == nil {
			return b
		}
		log.WithError(err).Error("Falling back to in-memory bus")
	}
	return bus.NewMemoryBus[T](log)
}

// InputBus returns the process-wide input event bus, created on first use.
func InputBus() bus.Bus[*InputEvent] {
	inputOnce.Do(func() {
		inputBus = newBus[*InputEvent](InputSubject)
	})
	return inputBus
}

// OutputBus returns the process-wide output event bus, created on first use.
func OutputBus() bus.Bus[*OutputEvent] {
	outputOnce.Do(func() {
		outputBus = newBus[*OutputEvent](OutputSubject)
	})
	return outputBus
}

// Consumed returns the process-wide consumed-event set.
func Consumed() *ConsumedSet {
	consumedOnce.Do(func() {
		consumedSet = NewConsumedSet()
	})
	return consumedSet
}

// Elicitations returns the process-wide elicitation-active set.
func Elicitations() *ElicitationSet {
	elicitOnce.Do(func() {
		elicitSet = NewElicitationSet()
	})
	return elicitSet
}
