package vm

import "fmt"

// Pointer is a tagged 64-bit word passed across the native boundary.
//
// The two low bits select the kind of word:
//
//	00  reference into the current process's heap (slot << 2)
//	01  immediate 62-bit signed integer (n << 2)
//	10  reference into the Permanent Space (slot << 2)
//	11  special singleton (nil, true, false)
//
// References carry no class information. A native function knows the shape
// of each argument from its own signature.
type Pointer uint64

const (
	tagBits    = 2
	tagMask    = (1 << tagBits) - 1
	tagHeap    = 0
	tagInt     = 1
	tagPerm    = 2
	tagSpecial = 3
)

const (
	specialNil uint64 = iota
	specialTrue
	specialFalse
)

// Pre-defined singletons. They live in the Permanent Space conceptually but
// are encoded as immediates so they never need a table lookup.
const (
	Nil   Pointer = Pointer(specialNil<<tagBits | tagSpecial)
	True  Pointer = Pointer(specialTrue<<tagBits | tagSpecial)
	False Pointer = Pointer(specialFalse<<tagBits | tagSpecial)
)

// Immediate integer range (62-bit signed).
const (
	MaxInt int64 = (1 << 61) - 1
	MinInt int64 = -(1 << 61)
)

// Int encodes n as an immediate. Panics if n is out of range; use TryInt for
// values that may need boxing.
func Int(n int64) Pointer {
	p, ok := TryInt(n)
	if !ok {
		panic("vm.Int: value out of immediate range")
	}
	return p
}

// TryInt encodes n as an immediate, reporting false if it does not fit.
func TryInt(n int64) (Pointer, bool) {
	if n > MaxInt || n < MinInt {
		return Nil, false
	}
	return Pointer(uint64(n)<<tagBits | tagInt), true
}

// Bool returns the True or False singleton.
func Bool(b bool) Pointer {
	if b {
		return True
	}
	return False
}

func (p Pointer) tag() uint64 { return uint64(p) & tagMask }

// IsInt reports whether p is an immediate integer.
func (p Pointer) IsInt() bool { return p.tag() == tagInt }

// IsRef reports whether p refers to a heap object in either a process heap
// or the Permanent Space.
func (p Pointer) IsRef() bool {
	t := p.tag()
	return (t == tagHeap && p != 0) || t == tagPerm
}

// IsPermanent reports whether p refers into the Permanent Space.
func (p Pointer) IsPermanent() bool { return p.tag() == tagPerm }

// IsNil reports whether p is the nil singleton.
func (p Pointer) IsNil() bool { return p == Nil }

// Int64 decodes an immediate integer. Panics if p is not one.
func (p Pointer) Int64() int64 {
	if !p.IsInt() {
		panic("Pointer.Int64: not an immediate integer")
	}
	// Arithmetic shift restores the sign.
	return int64(p) >> tagBits
}

func (p Pointer) slot() uint32 { return uint32(uint64(p) >> tagBits) }

func heapPointer(slot uint32) Pointer { return Pointer(uint64(slot)<<tagBits | tagHeap) }

func permPointer(slot uint32) Pointer { return Pointer(uint64(slot)<<tagBits | tagPerm) }

func (p Pointer) String() string {
	switch p.tag() {
	case tagInt:
		return fmt.Sprintf("int(%d)", p.Int64())
	case tagPerm:
		return fmt.Sprintf("perm#%d", p.slot())
	case tagSpecial:
		switch p {
		case Nil:
			return "nil"
		case True:
			return "true"
		case False:
			return "false"
		}
		return fmt.Sprintf("special(%#x)", uint64(p))
	}
	if p == 0 {
		return "null"
	}
	return fmt.Sprintf("heap#%d", p.slot())
}
