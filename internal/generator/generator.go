// Package generator adapts the scene-generation engine behind a small
// interface so workers stay agnostic of the engine build.
package generator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/scene"
)

// Generator produces a scene for one request. Implementations must honor
// ctx cancellation promptly; the caller owns the deadline cap.
type Generator interface {
	Generate(ctx context.Context, req *scene.Request) (json.RawMessage, error)
	Name() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Generator)
)

// Register makes a generator constructor selectable by name. Engine builds
// register their implementation from an init function.
func Register(name string, ctor func() Generator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New returns the generator registered under name.
func New(name string) (Generator, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.KindInvalidRequest,
			"unknown generator %q (registered: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the registered generator names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
