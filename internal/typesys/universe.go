// Package typesys is a small managed type system: types, their methods and
// fields, method bodies, and the metadata lock that guards compilation.
package typesys

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"fortio.org/safecast"
	"golang.org/x/text/unicode/norm"
)

// Universe owns every type known to one engine.
type Universe struct {
	Meta *MetadataLock

	mu      sync.RWMutex
	types   []*Type
	byName  map[string]*Type
	methods []*Method
}

// NewUniverse creates an empty universe.
func NewUniverse() *Universe {
	return &Universe{
		Meta:   &MetadataLock{},
		byName: make(map[string]*Type, 16),
	}
}

// normalize folds names to NFC so lookups do not depend on how the
// workload author's editor composed accented identifiers.
func normalize(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// DefineType registers a new type.
func (u *Universe) DefineType(name string, beforeFieldInit bool) (*Type, error) {
	name = normalize(name)
	if name == "" {
		return nil, fmt.Errorf("type name is empty")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, dup := u.byName[name]; dup {
		return nil, fmt.Errorf("type %q already defined", name)
	}
	id, err := safecast.Conv[uint32](len(u.types) + 1)
	if err != nil {
		return nil, fmt.Errorf("too many types: %w", err)
	}
	t := &Type{ID: TypeID(id), Name: name, BeforeFieldInit: beforeFieldInit}
	u.types = append(u.types, t)
	u.byName[name] = t
	return t, nil
}

// DefineMethod adds a method to t. A type has at most one initializer.
func (u *Universe) DefineMethod(t *Type, name string, kind MethodKind) (*Method, error) {
	name = normalize(name)
	if name == "" {
		return nil, fmt.Errorf("%s: method name is empty", t.Name)
	}
	if strings.Contains(name, "::") {
		return nil, fmt.Errorf("%s: method name %q must not contain '::'", t.Name, name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, m := range t.Methods {
		if m.Name == name {
			return nil, fmt.Errorf("%s: method %q already defined", t.Name, name)
		}
		if kind == KindInitializer && m.Kind == KindInitializer {
			return nil, fmt.Errorf("%s: second initializer %q (already have %q)", t.Name, name, m.Name)
		}
	}
	id, err := safecast.Conv[uint32](len(u.methods) + 1)
	if err != nil {
		return nil, fmt.Errorf("too many methods: %w", err)
	}
	m := &Method{ID: MethodID(id), Name: name, Kind: kind, Owner: t}
	t.Methods = append(t.Methods, m)
	u.methods = append(u.methods, m)
	return m, nil
}

// DefineField adds a field to t.
func (u *Universe) DefineField(t *Type, name string, static bool) (*Field, error) {
	name = normalize(name)
	if name == "" {
		return nil, fmt.Errorf("%s: field name is empty", t.Name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, f := range t.Fields {
		if f.Name == name {
			return nil, fmt.Errorf("%s: field %q already defined", t.Name, name)
		}
	}
	f := &Field{Name: name, Static: static, Owner: t}
	t.Fields = append(t.Fields, f)
	return f, nil
}

// Lookup finds a type by name.
func (u *Universe) Lookup(name string) *Type {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.byName[normalize(name)]
}

// Types returns all types sorted by name.
func (u *Universe) Types() []*Type {
	u.mu.RLock()
	out := append([]*Type(nil), u.types...)
	u.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// splitMember splits "Type::Member".
func splitMember(ref string) (string, string, error) {
	typeName, member, ok := strings.Cut(ref, "::")
	if !ok || strings.TrimSpace(typeName) == "" || strings.TrimSpace(member) == "" {
		return "", "", fmt.Errorf("invalid member reference %q (expected Type::Member)", ref)
	}
	return typeName, member, nil
}

// ResolveMethod resolves "Type::Method".
func (u *Universe) ResolveMethod(ref string) (*Method, error) {
	typeName, name, err := splitMember(ref)
	if err != nil {
		return nil, err
	}
	t := u.Lookup(typeName)
	if t == nil {
		return nil, fmt.Errorf("unknown type %q in %q", typeName, ref)
	}
	m := t.Method(name)
	if m == nil {
		return nil, fmt.Errorf("unknown method %q on %s", name, t.Name)
	}
	return m, nil
}

// ResolveField resolves "Type::Field".
func (u *Universe) ResolveField(ref string) (*Field, error) {
	typeName, name, err := splitMember(ref)
	if err != nil {
		return nil, err
	}
	t := u.Lookup(typeName)
	if t == nil {
		return nil, fmt.Errorf("unknown type %q in %q", typeName, ref)
	}
	f := t.Field(name)
	if f == nil {
		return nil, fmt.Errorf("unknown field %q on %s", name, t.Name)
	}
	return f, nil
}

// Constructor returns the first instance constructor of t.
func (t *Type) Constructor() *Method {
	for _, m := range t.Methods {
		if m.Kind == KindConstructor {
			return m
		}
	}
	return nil
}
