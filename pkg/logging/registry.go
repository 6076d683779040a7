package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

type ComponentType string

const (
	ComponentTypeUtility    ComponentType = "utility"
	ComponentTypeRepository ComponentType = "repository"
	ComponentTypeAI         ComponentType = "ai"
	ComponentTypeEmbedding  ComponentType = "embedding"
	ComponentTypeMemory     ComponentType = "memory"
)

// ComponentInfo describes a registered component.
type ComponentInfo struct {
	ID       string
	Type     ComponentType
	Level    log.Level
	HasLevel bool
}

// ComponentRegistry tracks components and their log level overrides.
type ComponentRegistry struct {
	mu         sync.RWMutex
	components map[string]*ComponentInfo
	levels     map[string]log.Level
}

func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{
		components: make(map[string]*ComponentInfo),
		levels:     make(map[string]log.Level),
	}
}

// RegisterComponent records a component. Registering twice keeps the first type.
func (r *ComponentRegistry) RegisterComponent(id string, componentType ComponentType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.components[id]; ok {
		return
	}
	info := &ComponentInfo{ID: id, Type: componentType}
	if level, ok := r.levels[id]; ok {
		info.Level = level
		info.HasLevel = true
	}
	r.components[id] = info
}

// GetLoggerForComponent derives a logger tagged with the component id and its level override.
func (r *ComponentRegistry) GetLoggerForComponent(base *log.Logger, id string) *log.Logger {
	logger := base.With("component", id)

	r.mu.RLock()
	level, ok := r.levels[id]
	r.mu.RUnlock()
	if ok {
		logger.SetLevel(level)
	}
	return logger
}

func (r *ComponentRegistry) SetComponentLogLevel(id string, level log.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.levels[id] = level
	if info, ok := r.components[id]; ok {
		info.Level = level
		info.HasLevel = true
	}
}

// LoadLogLevelsFromConfig applies a component -> level name map. Unknown level names are ignored.
func (r *ComponentRegistry) LoadLogLevelsFromConfig(levels map[string]string) {
	for id, name := range levels {
		level, err := log.ParseLevel(name)
		if err != nil {
			continue
		}
		r.SetComponentLogLevel(id, level)
	}
}

// LoadLogLevelsFromEnv reads LOG_LEVEL_<COMPONENT>=<level> variables.
// Underscores in the suffix map to '-' in the component id.
func (r *ComponentRegistry) LoadLogLevelsFromEnv() {
	levels := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "LOG_LEVEL_") {
			continue
		}
		id := strings.ToLower(strings.TrimPrefix(key, "LOG_LEVEL_"))
		id = strings.ReplaceAll(id, "_", "-")
		levels[id] = value
	}
	r.LoadLogLevelsFromConfig(levels)
}
