package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/corebridge/internal/domain"
)

// Registry implements the ConverterRegistry interface.
type Registry struct {
	mu         sync.RWMutex
	converters map[domain.ProtocolFamily]domain.Converter
}

// NewRegistry creates a new converter registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:         sync.RWMutex{},
		converters: make(map[domain.ProtocolFamily]domain.Converter),
	}
}

// Register adds a converter under its family.
func (r *Registry) Register(converter domain.Converter) error {
	if converter == nil {
		return errors.New("converter cannot be nil")
	}

	family := converter.Family()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.converters[family]; exists {
		return fmt.Errorf("converter for %s already registered", family)
	}

	r.converters[family] = converter
	return nil
}

// Get retrieves the converter of a family.
func (r *Registry) Get(family domain.ProtocolFamily) (domain.Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	converter, exists := r.converters[family]
	if !exists {
		return nil, fmt.Errorf("no converter registered for %s", family)
	}

	return converter, nil
}

// Families returns the registered families in declaration order.
func (r *Registry) Families() []domain.ProtocolFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()

	families := make([]domain.ProtocolFamily, 0, len(r.converters))
	for _, family := range domain.AllProtocols() {
		if _, exists := r.converters[family]; exists {
			families = append(families, family)
		}
	}

	return families
}
