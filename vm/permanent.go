package vm

import "sort"

// ---------------------------------------------------------------------------
// PermanentSpace: process-wide immutable singletons
// ---------------------------------------------------------------------------

// PermanentSpace holds the core classes, the singletons and any values
// interned during startup. It is built once before any worker starts and is
// read-only afterwards, so workers share it without locking.
type PermanentSpace struct {
	heap    *Heap
	frozen  bool
	classes []*Class
	globals map[string]Pointer
	interns map[string]Pointer

	StringClass    *Class
	ArrayClass     *Class
	IntegerClass   *Class
	FloatClass     *Class
	ObjectClass    *Class
	ClassClass     *Class
	TraitClass     *Class
	ByteArrayClass *Class
}

// NewPermanentSpace bootstraps the core classes and the global names the
// compiler expects to resolve.
func NewPermanentSpace() *PermanentSpace {
	ps := &PermanentSpace{
		globals: make(map[string]Pointer),
		interns: make(map[string]Pointer),
	}
	ps.heap = newHeap(ps, true)

	ps.ClassClass = ps.defineClass("Class")
	ps.heap.object(ps.globals["Class"]).Class = ps.ClassClass
	ps.ObjectClass = ps.defineClass("Object")
	ps.StringClass = ps.defineClass("String")
	ps.ArrayClass = ps.defineClass("Array")
	ps.IntegerClass = ps.defineClass("Integer")
	ps.FloatClass = ps.defineClass("Float")
	ps.TraitClass = ps.defineClass("Trait")
	ps.ByteArrayClass = ps.defineClass("ByteArray")

	ps.globals["nil"] = Nil
	ps.globals["true"] = True
	ps.globals["false"] = False

	return ps
}

func (ps *PermanentSpace) defineClass(name string) *Class {
	c := &Class{Name: name, ID: uint32(len(ps.classes))}
	ps.classes = append(ps.classes, c)
	// ClassClass is still nil while Class itself is being defined.
	ps.globals[name] = ps.heap.Alloc(ps.ClassClass, c)
	return c
}

// Intern returns a permanent String for s, allocating it on first use.
func (ps *PermanentSpace) Intern(s string) Pointer {
	if p, ok := ps.interns[s]; ok {
		return p
	}
	p := ps.heap.Alloc(ps.StringClass, s)
	ps.interns[s] = p
	return p
}

// Global resolves a default global name ("String", "nil", ...).
func (ps *PermanentSpace) Global(name string) (Pointer, bool) {
	p, ok := ps.globals[name]
	return p, ok
}

// GlobalNames returns the global names in sorted order.
func (ps *PermanentSpace) GlobalNames() []string {
	names := make([]string, 0, len(ps.globals))
	for name := range ps.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read returns the payload of a permanent reference.
func (ps *PermanentSpace) Read(p Pointer) any {
	return ps.heap.Read(p)
}

// Freeze marks the space read-only. Any later permanent allocation panics.
func (ps *PermanentSpace) Freeze() {
	ps.frozen = true
}

// Frozen reports whether Freeze has been called.
func (ps *PermanentSpace) Frozen() bool {
	return ps.frozen
}
