package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps fully-qualified type names to Go types, so a transport can
// decode a wire payload whose concrete type is named in a header. It is
// write-only after startup; reads take no lock beyond the RWMutex fast path.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]reflect.Type
	byType  map[reflect.Type]string
	sealed  bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// TypeNameOf derives the fully-qualified name of v's type, e.g.
// "github.com/acme/orders.CreateOrder".
func TypeNameOf(v interface{}) string {
	var t = reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Register records v's concrete type under its fully-qualified name and
// returns that name. Registering after Seal panics.
func (r *Registry) Register(v interface{}) string {
	var t = reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	var name = TypeNameOf(v)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("codec: registering message type after registry was sealed")
	}
	r.byName[name] = t
	r.byType[t] = name
	return name
}

// Seal freezes the registry; subsequent Register calls panic.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// New returns a pointer to a zero value of the type registered under name.
func (r *Registry) New(name string) (interface{}, error) {
	r.mu.RLock()
	var t, ok = r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: message type %q is not registered", name)
	}
	return reflect.New(t).Interface(), nil
}

// Lookup reports whether name is registered.
func (r *Registry) Lookup(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var _, ok = r.byName[name]
	return ok
}
