package plugin

import (
	"errors"
	"fmt"
	stdplugin "plugin"
	"sort"
	"sync"
)

// SymbolName is the factory symbol looked up in a plugin library.
const SymbolName = "NewPlugin"

// Factory creates a plugin instance.
type Factory func() Plugin

var (
	// ErrNotFound is returned for an unregistered plugin name.
	ErrNotFound = errors.New("plugin: not found")
	// ErrBadSymbol is returned when a library's factory has the wrong type.
	ErrBadSymbol = errors.New("plugin: bad factory symbol")
)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a compiled-in plugin available under name. It panics on a
// duplicate name, like database/sql drivers.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("plugin: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("plugin: Register called twice for " + name)
	}
	factories[name] = f
}

// Names returns the registered plugin names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open creates a registered plugin and calls Load with params.
func Open(name, params string) (Plugin, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return load(f(), name, params)
}

// OpenLibrary loads a Go plugin library exporting
//
//	func NewPlugin() plugin.Plugin
//
// and calls Load with params.
func OpenLibrary(path, params string) (Plugin, error) {
	lib, err := stdplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sym, err := lib.Lookup(SymbolName)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", SymbolName, path, err)
	}

	var f Factory
	switch fn := sym.(type) {
	case func() Plugin:
		f = fn
	case *func() Plugin:
		f = *fn
	default:
		return nil, fmt.Errorf("%s in %s is %T: %w", SymbolName, path, sym, ErrBadSymbol)
	}
	return load(f(), path, params)
}

func load(p Plugin, name, params string) (Plugin, error) {
	if p == nil {
		return nil, fmt.Errorf("%s: factory returned nil", name)
	}
	if err := p.Load(params); err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return p, nil
}
