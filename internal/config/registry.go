package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sensor     map[string]func(ProviderEntry) (sensor.Provider, error)
	classifier map[string]func(ProviderEntry) (classifier.Classifier, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sensor:     make(map[string]func(ProviderEntry) (sensor.Provider, error)),
		classifier: make(map[string]func(ProviderEntry) (classifier.Classifier, error)),
	}
}

// RegisterSensor registers a sensor provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSensor(name string, factory func(ProviderEntry) (sensor.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensor[name] = factory
}

// RegisterClassifier registers a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(ProviderEntry) (classifier.Classifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// CreateSensor instantiates the sensor provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSensor(entry ProviderEntry) (sensor.Provider, error) {
	r.mu.RLock()
	factory, ok := r.sensor[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sensor/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateClassifier instantiates the classifier registered under entry.Name.
func (r *Registry) CreateClassifier(entry ProviderEntry) (classifier.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.classifier[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
