package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/ember/platform"
)

// ---------------------------------------------------------------------------
// Result: the outcome of every native function
// ---------------------------------------------------------------------------

// ResultTag is the discriminant of a Result.
type ResultTag uint64

const (
	ResultOk ResultTag = iota
	ResultError
	ResultNone
)

func (t ResultTag) String() string {
	switch t {
	case ResultOk:
		return "ok"
	case ResultError:
		return "error"
	case ResultNone:
		return "none"
	}
	return fmt.Sprintf("ResultTag(%d)", uint64(t))
}

// Result is the tagged struct returned across the native boundary. The field
// order and width (tag word, payload word) are part of the ABI.
//
// Ok carries a payload word whose meaning (Pointer, integer, float bits) is
// fixed by the native's signature. Error carries an OS error code. None
// carries nothing.
type Result struct {
	Tag   ResultTag
	Value uint64
}

// ResultSize is the encoded size of a Result in bytes.
const ResultSize = 16

// Ok wraps a reference or immediate.
func Ok(p Pointer) Result {
	return Result{Tag: ResultOk, Value: uint64(p)}
}

// OkInt wraps a raw integer.
func OkInt(n int64) Result {
	return Result{Tag: ResultOk, Value: uint64(n)}
}

// OkFloat wraps the bit pattern of f.
func OkFloat(f float64) Result {
	return Result{Tag: ResultOk, Value: math.Float64bits(f)}
}

// Error wraps an OS error code.
func Error(code int64) Result {
	return Result{Tag: ResultError, Value: uint64(code)}
}

// None is the empty Result: absence, not failure.
func None() Result {
	return Result{Tag: ResultNone}
}

// IOError converts a Go error from an OS call into an Error Result.
func IOError(err error) Result {
	return Error(platform.ErrorCode(err))
}

func (r Result) IsOk() bool    { return r.Tag == ResultOk }
func (r Result) IsError() bool { return r.Tag == ResultError }
func (r Result) IsNone() bool  { return r.Tag == ResultNone }

// Pointer returns the Ok payload as a Pointer.
func (r Result) Pointer() Pointer { return Pointer(r.Value) }

// Int returns the Ok payload as a raw integer.
func (r Result) Int() int64 { return int64(r.Value) }

// Float decodes the Ok payload as float bits.
func (r Result) Float() float64 { return math.Float64frombits(r.Value) }

// ErrorCode returns the OS error code of an Error Result.
func (r Result) ErrorCode() int64 { return int64(r.Value) }

// MarshalBinary encodes r as two little-endian words.
func (r Result) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResultSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Tag))
	binary.LittleEndian.PutUint64(buf[8:16], r.Value)
	return buf, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary.
func (r *Result) UnmarshalBinary(data []byte) error {
	if len(data) != ResultSize {
		return fmt.Errorf("vm: result must be %d bytes, got %d", ResultSize, len(data))
	}
	tag := ResultTag(binary.LittleEndian.Uint64(data[0:8]))
	if tag > ResultNone {
		return fmt.Errorf("vm: invalid result tag %d", uint64(tag))
	}
	r.Tag = tag
	r.Value = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

func (r Result) String() string {
	switch r.Tag {
	case ResultOk:
		return fmt.Sprintf("ok(%#x)", r.Value)
	case ResultError:
		return fmt.Sprintf("error(%s)", platform.ErrorName(r.ErrorCode()))
	}
	return r.Tag.String()
}
