package weft

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoobzio/hookz"
)

// Hook event keys for configuration changes.
const (
	ConfigEventChanged = hookz.Key("config.changed")
)

// ConfigChange describes a configuration value transition. It is emitted
// via hookz to every handler registered with OnChange.
type ConfigChange[T comparable] struct {
	Name Name // Variable name, e.g. "tcp.connect.timeout"
	Old  T
	New  T
}

// ConfigVar is a named, typed configuration value with a default and
// change notification. Components read their tunables through ConfigVars
// so a configuration store can adjust them at runtime without restarts.
//
// Variables are process-global: Lookup returns the same instance for the
// same name, so a value set in one place is observed everywhere.
//
// Example:
//
//	var stackSize = weft.Lookup[uint32]("fiber.stack_size", 1<<20, "fiber stack size")
//
//	stackSize.OnChange(func(_ context.Context, c weft.ConfigChange[uint32]) error {
//	    log.Printf("stack size %d -> %d", c.Old, c.New)
//	    return nil
//	})
type ConfigVar[T comparable] struct {
	name        Name
	description string
	mu          sync.RWMutex
	value       T
	hooks       *hookz.Hooks[ConfigChange[T]]
}

// Name returns the variable's registered name.
func (v *ConfigVar[T]) Name() Name { return v.name }

// Description returns the human-readable description given at Lookup.
func (v *ConfigVar[T]) Description() string { return v.description }

// Value returns the current value.
func (v *ConfigVar[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// SetValue updates the value and notifies OnChange handlers with the old
// and new values. Setting the current value again is a no-op.
func (v *ConfigVar[T]) SetValue(nv T) {
	v.mu.Lock()
	old := v.value
	if old == nv {
		v.mu.Unlock()
		return
	}
	v.value = nv
	v.mu.Unlock()

	_ = v.hooks.Emit(context.Background(), ConfigEventChanged, ConfigChange[T]{ //nolint:errcheck
		Name: v.name,
		Old:  old,
		New:  nv,
	})
}

// OnChange registers a handler called asynchronously after each value
// change.
func (v *ConfigVar[T]) OnChange(handler func(context.Context, ConfigChange[T]) error) error {
	_, err := v.hooks.Hook(ConfigEventChanged, handler)
	return err
}

var (
	configMu   sync.Mutex
	configVars = make(map[Name]any)
)

// Lookup returns the ConfigVar registered under name, creating it with the
// given default and description on first use. Looking up an existing name
// with a different type is a programming error and panics.
func Lookup[T comparable](name Name, def T, description string) *ConfigVar[T] {
	configMu.Lock()
	defer configMu.Unlock()

	if existing, ok := configVars[name]; ok {
		v, ok := existing.(*ConfigVar[T])
		if !ok {
			panic(fmt.Sprintf("weft: config var %q registered with a different type", name))
		}
		return v
	}

	v := &ConfigVar[T]{
		name:        name,
		description: description,
		value:       def,
		hooks:       hookz.New[ConfigChange[T]](),
	}
	configVars[name] = v
	return v
}
