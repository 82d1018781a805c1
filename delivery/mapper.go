package delivery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/export"
)

// Mapper is a pure function from one exported record to the outbound JSON
// payload posted to a partner webhook.
type Mapper func(export.Record) (json.RawMessage, error)

// MapperRegistry resolves name@version to a Mapper, mirroring the
// registry's name-keyed adapter lookup but for delivery mappers.
type MapperRegistry struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewMapperRegistry builds a registry seeded with the "passthrough@v1"
// reference mapper.
func NewMapperRegistry() *MapperRegistry {
	r := &MapperRegistry{mappers: map[string]Mapper{}}
	r.Register("passthrough", "v1", PassthroughMapper)
	return r
}

// Register adds or replaces the mapper for name@version.
func (r *MapperRegistry) Register(name, version string, mapper Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[mapperKey(name, version)] = mapper
}

// Get resolves name@version, returning core.ErrMapperNotFound if absent.
func (r *MapperRegistry) Get(name, version string) (Mapper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[mapperKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrMapperNotFound, mapperKey(name, version))
	}
	return m, nil
}

func mapperKey(name, version string) string { return name + "@" + version }

// PassthroughMapper forwards the exported record as-is, used for tests and
// as a template for partner-specific mappers.
func PassthroughMapper(record export.Record) (json.RawMessage, error) {
	return json.Marshal(record)
}
