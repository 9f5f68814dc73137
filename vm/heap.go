package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Heap: process-private object storage
// ---------------------------------------------------------------------------

// Object is a heap cell: a class tag plus the owned payload.
type Object struct {
	Class *Class
	Value any
}

// ByteArray is the payload of a byte buffer. It is the only payload native
// code may mutate in place.
type ByteArray struct {
	Bytes []byte
}

// Heap is a handle table of objects. Slot 0 is never used so that the zero
// Pointer is never a valid reference.
//
// A process heap is accessed only by the worker currently running the
// process, so it needs no locking. References into the Permanent Space are
// resolved through space.
type Heap struct {
	objects []*Object
	free    []uint32
	live    int
	space   *PermanentSpace
	perm    bool
}

func newHeap(space *PermanentSpace, perm bool) *Heap {
	return &Heap{
		objects: make([]*Object, 1, 16),
		space:   space,
		perm:    perm,
	}
}

// Alloc moves payload into a new object tagged with class and returns a
// reference to it. Alloc never fails: running out of memory aborts the
// runtime.
func (h *Heap) Alloc(class *Class, payload any) Pointer {
	if h.perm && h.space.frozen {
		panic("vm: allocation in frozen permanent space")
	}
	obj := &Object{Class: class, Value: payload}

	var slot uint32
	if n := len(h.free); n > 0 {
		slot = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[slot] = obj
	} else {
		slot = uint32(len(h.objects))
		h.objects = append(h.objects, obj)
	}
	h.live++

	if h.perm {
		return permPointer(slot)
	}
	return heapPointer(slot)
}

// object resolves p to its heap cell. Resolving a released reference is an
// invariant violation and panics.
func (h *Heap) object(p Pointer) *Object {
	src := h
	if p.IsPermanent() && !h.perm {
		src = h.space.heap
	}
	slot := p.slot()
	if int(slot) >= len(src.objects) || src.objects[slot] == nil {
		panic(fmt.Sprintf("vm: use of released reference %s", p))
	}
	return src.objects[slot]
}

// Read returns a borrowed view of the payload behind p. The borrow must not
// outlive the current native call.
func (h *Heap) Read(p Pointer) any {
	return h.object(p).Value
}

// ClassOf returns the class an object was allocated with.
func (h *Heap) ClassOf(p Pointer) *Class {
	return h.object(p).Class
}

// Drop releases the object behind p. Dropping a permanent reference is a
// no-op; the Permanent Space is never collected.
func (h *Heap) Drop(p Pointer) {
	if p.IsPermanent() && !h.perm {
		return
	}
	if !p.IsRef() {
		return
	}
	slot := p.slot()
	if int(slot) >= len(h.objects) || h.objects[slot] == nil {
		log.Debugf("drop of released reference %s", p)
		return
	}
	h.objects[slot] = nil
	h.free = append(h.free, slot)
	h.live--
}

// Live returns the number of objects currently allocated.
func (h *Heap) Live() int {
	return h.live
}

// Release drops every object still held by the heap. Called once when the
// owning process finishes.
func (h *Heap) Release() {
	for i := range h.objects {
		h.objects[i] = nil
	}
	h.objects = h.objects[:1]
	h.free = h.free[:0]
	h.live = 0
}

// ---------------------------------------------------------------------------
// Typed helpers
// ---------------------------------------------------------------------------

// NewString allocates a String. The caller guarantees s is valid UTF-8.
func (h *Heap) NewString(s string) Pointer {
	return h.Alloc(h.space.StringClass, s)
}

// NewByteArray allocates a byte buffer that takes ownership of b.
func (h *Heap) NewByteArray(b []byte) Pointer {
	return h.Alloc(h.space.ByteArrayClass, &ByteArray{Bytes: b})
}

// NewArray allocates an Array that takes ownership of values.
func (h *Heap) NewArray(values []Pointer) Pointer {
	return h.Alloc(h.space.ArrayClass, values)
}

// NewFloat boxes f.
func (h *Heap) NewFloat(f float64) Pointer {
	return h.Alloc(h.space.FloatClass, f)
}

// NewInt returns n as an immediate when it fits and boxes it otherwise.
func (h *Heap) NewInt(n int64) Pointer {
	if p, ok := TryInt(n); ok {
		return p
	}
	return h.Alloc(h.space.IntegerClass, n)
}

// NewHandle wraps an opaque native resource (child process, cursor).
func (h *Heap) NewHandle(v any) Pointer {
	return h.Alloc(h.space.ObjectClass, v)
}

// String reads a String payload.
func (h *Heap) String(p Pointer) string {
	return h.Read(p).(string)
}

// ByteArray reads a byte buffer payload. The result may be mutated.
func (h *Heap) ByteArray(p Pointer) *ByteArray {
	return h.Read(p).(*ByteArray)
}

// Array reads an Array payload.
func (h *Heap) Array(p Pointer) []Pointer {
	return h.Read(p).([]Pointer)
}

// Float reads a boxed float.
func (h *Heap) Float(p Pointer) float64 {
	return h.Read(p).(float64)
}

// Integer decodes an immediate or boxed integer.
func (h *Heap) Integer(p Pointer) int64 {
	if p.IsInt() {
		return p.Int64()
	}
	return h.Read(p).(int64)
}

// ---------------------------------------------------------------------------
// Guard: scoped single-owner handle
// ---------------------------------------------------------------------------

// Guard owns one reference and releases it exactly once. Code that holds a
// value only transiently defers Release; code that hands the value to a stack
// slot or container calls IntoRaw, which disarms the guard.
type Guard struct {
	heap  *Heap
	ptr   Pointer
	owned bool
}

// Own allocates payload and returns a guard owning the new object.
func (h *Heap) Own(class *Class, payload any) *Guard {
	return &Guard{heap: h, ptr: h.Alloc(class, payload), owned: true}
}

// FromRaw adopts a raw reference taken from a stack slot.
func (h *Heap) FromRaw(p Pointer) *Guard {
	return &Guard{heap: h, ptr: p, owned: true}
}

// Pointer returns the guarded reference without transferring ownership.
func (g *Guard) Pointer() Pointer {
	return g.ptr
}

// IntoRaw transfers ownership to the caller.
func (g *Guard) IntoRaw() Pointer {
	g.owned = false
	return g.ptr
}

// Release drops the reference if the guard still owns it.
func (g *Guard) Release() {
	if !g.owned {
		return
	}
	g.owned = false
	g.heap.Drop(g.ptr)
}
