package vm

// Class identifies the runtime class of a heap object. Classes live in the
// Permanent Space and are never freed.
type Class struct {
	Name string
	ID   uint32
}

func (c *Class) String() string {
	if c == nil {
		return "<nil class>"
	}
	return c.Name
}
