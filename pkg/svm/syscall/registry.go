package syscall

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/fortiblox/x1-invoke/internal/types"
)

// Registry holds every syscall known to the runtime, keyed by name hash.
type Registry struct {
	syscalls map[uint32]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		syscalls: make(map[uint32]*Definition),
	}
}

// NewBuiltinRegistry creates a registry holding the builtin syscall set.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, def := range Builtins() {
		r.MustRegister(def)
	}
	return r
}

// Register adds a syscall definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" || def.Effect == nil {
		return fmt.Errorf("%w: incomplete definition", ErrUnknownSyscall)
	}
	if len(def.Signature) > MaxSyscallArgs {
		return fmt.Errorf("syscall %s takes %d arguments, max %d", def.Name, len(def.Signature), MaxSyscallArgs)
	}
	hash := def.Hash()
	if prev, ok := r.syscalls[hash]; ok {
		return fmt.Errorf("%w: %s collides with %s", ErrDuplicateSyscall, def.Name, prev.Name)
	}
	r.syscalls[hash] = def
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a syscall by hash.
func (r *Registry) Get(hash uint32) (*Definition, bool) {
	def, ok := r.syscalls[hash]
	return def, ok
}

// Lookup returns a syscall by name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	def, ok := r.syscalls[Murmur3Hash(name)]
	if !ok || def.Name != name {
		return nil, false
	}
	return def, true
}

// Names returns the registered syscall names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.syscalls))
	for _, def := range r.syscalls {
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered syscalls.
func (r *Registry) Len() int {
	return len(r.syscalls)
}

// Full returns a table exposing every registered syscall.
func (r *Registry) Full() *Table {
	return r.build(mapset.NewThreadUnsafeSet(r.Names()...))
}

// Resolve returns a table restricted to the named syscalls. Every name must
// be registered.
func (r *Registry) Resolve(names []string) (*Table, error) {
	want := mapset.NewThreadUnsafeSet(names...)
	known := mapset.NewThreadUnsafeSet(r.Names()...)
	if missing := want.Difference(known); missing.Cardinality() > 0 {
		unknown := missing.ToSlice()
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %v", ErrUnknownSyscall, unknown)
	}
	return r.build(want), nil
}

// ResolveHashes returns a table restricted to the syscalls with the given
// name hashes, as referenced by a loaded program.
func (r *Registry) ResolveHashes(hashes []uint32) (*Table, error) {
	names, err := r.namesOf(hashes)
	if err != nil {
		return nil, err
	}
	return r.Resolve(names)
}

func (r *Registry) namesOf(hashes []uint32) ([]string, error) {
	names := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		def, ok := r.syscalls[hash]
		if !ok {
			return nil, fmt.Errorf("%w: hash %#08x", ErrUnknownSyscall, hash)
		}
		names = append(names, def.Name)
	}
	return names, nil
}

func (r *Registry) build(names mapset.Set[string]) *Table {
	t := &Table{
		syscalls: make(map[uint32]*Definition, names.Cardinality()),
		names:    names,
	}
	names.Each(func(name string) bool {
		hash := Murmur3Hash(name)
		t.syscalls[hash] = r.syscalls[hash]
		return false
	})
	return t
}

// Table is the immutable set of syscalls one program may call.
type Table struct {
	syscalls map[uint32]*Definition
	names    mapset.Set[string]
}

// Get returns a syscall by hash.
func (t *Table) Get(hash uint32) (*Definition, bool) {
	def, ok := t.syscalls[hash]
	return def, ok
}

// Lookup returns a syscall by name.
func (t *Table) Lookup(name string) (*Definition, bool) {
	def, ok := t.syscalls[Murmur3Hash(name)]
	if !ok || def.Name != name {
		return nil, false
	}
	return def, true
}

// Len returns the number of syscalls in the table.
func (t *Table) Len() int {
	return len(t.syscalls)
}

// Names returns the syscall names in the table, sorted.
func (t *Table) Names() []string {
	names := t.names.ToSlice()
	sort.Strings(names)
	return names
}

// Allows reports whether the table was resolved from exactly names.
func (t *Table) Allows(names []string) bool {
	return t.names.Equal(mapset.NewThreadUnsafeSet(names...))
}

// DefaultTableCacheSize is the default number of cached program tables.
const DefaultTableCacheSize = 256

// TableCache caches resolved per-program tables. It is safe for concurrent
// use and can be shared by many invoke contexts.
type TableCache struct {
	registry *Registry
	cache    *lru.Cache
}

// NewTableCache creates a cache over registry holding at most size tables.
func NewTableCache(registry *Registry, size int) (*TableCache, error) {
	if size <= 0 {
		size = DefaultTableCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TableCache{registry: registry, cache: cache}, nil
}

// Registry returns the underlying registry.
func (c *TableCache) Registry() *Registry {
	return c.registry
}

// Table returns the table for programID restricted to names. A nil names
// slice selects every registered syscall. A cached table is reused only if
// it was resolved from the same names.
func (c *TableCache) Table(programID types.Pubkey, names []string) (*Table, error) {
	if names == nil {
		names = c.registry.Names()
	}
	if v, ok := c.cache.Get(programID); ok {
		if t := v.(*Table); t.Allows(names) {
			return t, nil
		}
	}
	t, err := c.registry.Resolve(names)
	if err != nil {
		return nil, err
	}
	c.cache.Add(programID, t)
	return t, nil
}

// TableForHashes is like Table but takes the name hashes a program's code
// references.
func (c *TableCache) TableForHashes(programID types.Pubkey, hashes []uint32) (*Table, error) {
	names, err := c.registry.namesOf(hashes)
	if err != nil {
		return nil, err
	}
	return c.Table(programID, names)
}

// Len returns the number of cached tables.
func (c *TableCache) Len() int {
	return c.cache.Len()
}
