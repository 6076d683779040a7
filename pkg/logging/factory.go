package logging

import (
	"github.com/charmbracelet/log"
)

// Factory provides component-aware loggers with consistent field naming.
type Factory struct {
	baseLogger        *log.Logger
	componentRegistry *ComponentRegistry
}

func NewFactory(baseLogger *log.Logger) *Factory {
	return &Factory{
		baseLogger:        baseLogger,
		componentRegistry: NewComponentRegistry(),
	}
}

// ForComponent creates a logger for a generic component.
func (lf *Factory) ForComponent(id string) *log.Logger {
	return lf.forType(id, ComponentTypeUtility)
}

// ForRepository creates a logger for storage backends.
func (lf *Factory) ForRepository(id string) *log.Logger {
	return lf.forType(id, ComponentTypeRepository)
}

// AI and ML specific loggers.
func (lf *Factory) ForAI(id string) *log.Logger {
	return lf.forType(id, ComponentTypeAI)
}

func (lf *Factory) ForEmbedding(id string) *log.Logger {
	return lf.forType(id, ComponentTypeEmbedding)
}

func (lf *Factory) ForMemory(id string) *log.Logger {
	return lf.forType(id, ComponentTypeMemory)
}

// LoadLogLevelsFromEnv loads component-specific log levels from environment variables.
func (lf *Factory) LoadLogLevelsFromEnv() {
	lf.componentRegistry.LoadLogLevelsFromEnv()
}

func (lf *Factory) forType(id string, componentType ComponentType) *log.Logger {
	lf.componentRegistry.RegisterComponent(id, componentType)
	return lf.componentRegistry.GetLoggerForComponent(lf.baseLogger, id)
}
