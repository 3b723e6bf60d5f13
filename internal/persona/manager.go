package persona

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// Persona binds a wake-word model key to a voice, a prompt and a display name.
type Persona struct {
	ModelKey    string `yaml:"model_key" json:"model_key"`
	Voice       string `yaml:"voice" json:"voice"`
	PromptPath  string `yaml:"prompt" json:"prompt,omitempty"`
	DisplayName string `yaml:"name" json:"name"`
}

// ErrUnknownKey is returned when an operation names a model key with no binding.
var ErrUnknownKey = errors.New("persona: model key not registered")

// Manager is a pure lookup table from wake-word model keys to personas.
// It performs no I/O; bindings are registered once during wiring and only
// read afterwards. Resolve never fails: unknown keys fall back to the
// configured default and the fallback is logged.
type Manager struct {
	mu         sync.RWMutex
	bindings   map[string]Persona
	defaultKey string
	logf       func(format string, args ...any)
}

// NewManager constructs an empty Manager. logf may be nil to use the
// standard logger.
func NewManager(logf func(string, ...any)) *Manager {
	if logf == nil {
		logf = log.Printf
	}
	return &Manager{bindings: make(map[string]Persona), logf: logf}
}

// Register adds or overwrites the binding keyed by p.ModelKey. The first
// registered binding becomes the default until SetDefault says otherwise.
func (m *Manager) Register(p Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[p.ModelKey] = p
	if m.defaultKey == "" {
		m.defaultKey = p.ModelKey
	}
}

// SetDefault selects the fallback persona for unknown model keys. The key
// must already be registered.
func (m *Manager) SetDefault(modelKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[modelKey]; !ok {
		return fmt.Errorf("set default %q: %w", modelKey, ErrUnknownKey)
	}
	m.defaultKey = modelKey
	return nil
}

// Resolve returns the persona bound to modelKey, falling back to the
// default when the key is unknown.
func (m *Manager) Resolve(modelKey string) Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.bindings[modelKey]; ok {
		return p
	}
	m.logf("persona: configuration error: unknown model key %q, using default %q", modelKey, m.defaultKey)
	return m.bindings[m.defaultKey]
}

// Default returns the current fallback persona.
func (m *Manager) Default() Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[m.defaultKey]
}

// All returns every registered persona, default first.
func (m *Manager) All() []Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Persona, 0, len(m.bindings))
	if def, ok := m.bindings[m.defaultKey]; ok {
		out = append(out, def)
	}
	for key, p := range m.bindings {
		if key != m.defaultKey {
			out = append(out, p)
		}
	}
	return out
}

// Len reports how many bindings are registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}
