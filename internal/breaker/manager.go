package breaker

import "sync"

// Manager manages the circuit breakers for all registered sources.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	onChange StateChangeFn
}

// NewManager creates a breaker manager. onChange (optional) receives every
// state transition of every managed breaker.
func NewManager(config Config, onChange StateChangeFn) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		onChange: onChange,
	}
}

// Get returns the breaker for a source, creating it on first use.
func (m *Manager) Get(source string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[source]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[source]; ok {
		return b
	}
	b = New(source, m.config, m.onChange)
	m.breakers[source] = b
	return b
}

// Remove discards the breaker for a source.
func (m *Manager) Remove(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, source)
}

// StateFor returns the breaker state for a source. Unregistered sources
// report closed.
func (m *Manager) StateFor(source string) State {
	m.mu.RLock()
	b, ok := m.breakers[source]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// AdmitsData reports whether the source may contribute to aggregation.
func (m *Manager) AdmitsData(source string) bool {
	m.mu.RLock()
	b, ok := m.breakers[source]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return b.AdmitsData()
}

// Stats returns a snapshot for every managed breaker.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]Stats, len(m.breakers))
	for source, b := range m.breakers {
		stats[source] = b.Stats()
	}
	return stats
}

// OpenSources lists sources whose circuit is currently open.
func (m *Manager) OpenSources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []string
	for source, b := range m.breakers {
		if b.State() == StateOpen {
			open = append(open, source)
		}
	}
	return open
}

// Reset resets every managed breaker.
func (m *Manager) Reset() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}
