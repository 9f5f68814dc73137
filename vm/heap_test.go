package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestHeap() *Heap {
	return newHeap(NewPermanentSpace(), false)
}

func TestHeapAllocReadDrop(t *testing.T) {
	h := newTestHeap()

	p := h.NewString("hello")
	if !p.IsRef() || p.IsPermanent() {
		t.Fatalf("NewString returned %s", p)
	}
	if got := h.String(p); got != "hello" {
		t.Errorf("String() = %q, want hello", got)
	}
	if h.ClassOf(p) != h.space.StringClass {
		t.Errorf("ClassOf() = %v, want String", h.ClassOf(p))
	}
	if h.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.Live())
	}

	h.Drop(p)
	if h.Live() != 0 {
		t.Errorf("Live() after drop = %d, want 0", h.Live())
	}
}

func TestHeapReadAfterDropPanics(t *testing.T) {
	h := newTestHeap()
	p := h.NewString("x")
	h.Drop(p)

	defer func() {
		if recover() == nil {
			t.Error("reading a released reference did not panic")
		}
	}()
	h.Read(p)
}

func TestHeapReusesSlots(t *testing.T) {
	h := newTestHeap()
	a := h.NewString("a")
	h.NewString("b")
	h.Drop(a)

	c := h.NewString("c")
	if c != a {
		t.Errorf("freed slot not reused: got %s, want %s", c, a)
	}
	if h.String(c) != "c" {
		t.Errorf("reused slot holds %q", h.String(c))
	}
}

func TestHeapDoubleDropIsHarmless(t *testing.T) {
	h := newTestHeap()
	p := h.NewString("x")
	h.Drop(p)
	h.Drop(p)
	if h.Live() != 0 {
		t.Errorf("Live() = %d, want 0", h.Live())
	}
}

func TestHeapNewIntBoxes(t *testing.T) {
	h := newTestHeap()

	small := h.NewInt(12)
	if !small.IsInt() {
		t.Errorf("NewInt(12) = %s, want an immediate", small)
	}

	big := h.NewInt(MaxInt + 10)
	if !big.IsRef() {
		t.Fatalf("NewInt(MaxInt+10) = %s, want a boxed integer", big)
	}
	if got := h.Integer(big); got != MaxInt+10 {
		t.Errorf("Integer() = %d, want %d", got, MaxInt+10)
	}
	if got := h.Integer(small); got != 12 {
		t.Errorf("Integer() = %d, want 12", got)
	}
}

func TestHeapTypedPayloads(t *testing.T) {
	h := newTestHeap()

	arr := h.NewArray([]Pointer{Int(1), Nil, True})
	if diff := cmp.Diff([]Pointer{Int(1), Nil, True}, h.Array(arr)); diff != "" {
		t.Errorf("Array() mismatch (-want +got):\n%s", diff)
	}

	ba := h.NewByteArray([]byte{1, 2})
	h.ByteArray(ba).Bytes = append(h.ByteArray(ba).Bytes, 3)
	if diff := cmp.Diff([]byte{1, 2, 3}, h.ByteArray(ba).Bytes); diff != "" {
		t.Errorf("ByteArray() mismatch (-want +got):\n%s", diff)
	}

	f := h.NewFloat(2.5)
	if h.Float(f) != 2.5 {
		t.Errorf("Float() = %v, want 2.5", h.Float(f))
	}
}

func TestHeapRelease(t *testing.T) {
	h := newTestHeap()
	for i := 0; i < 10; i++ {
		h.NewString("x")
	}
	h.Release()
	if h.Live() != 0 {
		t.Errorf("Live() after Release = %d", h.Live())
	}
	if p := h.NewString("y"); p != heapPointer(1) {
		t.Errorf("first allocation after Release = %s, want heap#1", p)
	}
}

func TestHeapResolvesPermanentReferences(t *testing.T) {
	space := NewPermanentSpace()
	interned := space.Intern("shared")
	space.Freeze()

	h := newHeap(space, false)
	if got := h.String(interned); got != "shared" {
		t.Errorf("String(permanent) = %q", got)
	}

	// Dropping a permanent reference is a no-op.
	h.Drop(interned)
	if got := space.Read(interned); got != "shared" {
		t.Errorf("permanent value changed after drop: %v", got)
	}
}

func TestGuard(t *testing.T) {
	h := newTestHeap()

	t.Run("release drops", func(t *testing.T) {
		g := h.Own(h.space.StringClass, "tmp")
		g.Release()
		g.Release()
		if h.Live() != 0 {
			t.Errorf("Live() = %d, want 0", h.Live())
		}
	})

	t.Run("into raw disarms", func(t *testing.T) {
		g := h.Own(h.space.StringClass, "kept")
		p := g.IntoRaw()
		g.Release()
		if h.String(p) != "kept" {
			t.Error("IntoRaw value was released")
		}
		h.Drop(p)
	})

	t.Run("from raw adopts", func(t *testing.T) {
		p := h.NewString("adopted")
		func() {
			g := h.FromRaw(p)
			defer g.Release()
			if g.Pointer() != p {
				t.Errorf("Pointer() = %s, want %s", g.Pointer(), p)
			}
		}()
		if h.Live() != 0 {
			t.Errorf("Live() = %d, want 0", h.Live())
		}
	})
}
