// Package modload loads the embedding program's generation.Module — the
// Handler plus its durable-object/workflow factories — per spec.md §9's
// Design Note: Go has no safe way to re-import worker code the way the
// source reloads a script, so the module is either loaded from a Go
// plugin built with `go build -buildmode=plugin`, or provided directly
// by whatever Go program links workerbench in. When neither is given,
// Default stands in so `dev` still has something to route to.
package modload

import (
	"fmt"
	"plugin"

	"github.com/aristath/workerbench/internal/generation"
)

// ConstructorSymbol is the exported identifier a plugin .so must
// provide: a func() *generation.Module constructor, called once at
// load time and again on every hot-reload (spec.md §9: "a freshly
// go build -buildmode=plugin'd .so, loaded via plugin.Open").
const ConstructorSymbol = "NewModule"

// FromPlugin opens the shared object at path and calls its
// ConstructorSymbol to obtain a Module. Returns an error wrapping
// whatever plugin.Open/Lookup reported — most commonly "plugin not
// supported" on platforms where cgo or the plugin package is
// unavailable (spec.md §9: "when available on the platform").
func FromPlugin(path string) (*generation.Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modload: open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(ConstructorSymbol)
	if err != nil {
		return nil, fmt.Errorf("modload: lookup %s in %s: %w", ConstructorSymbol, path, err)
	}
	ctor, ok := sym.(func() *generation.Module)
	if !ok {
		return nil, fmt.Errorf("modload: %s in %s has the wrong signature, want func() *generation.Module", ConstructorSymbol, path)
	}
	return ctor(), nil
}
