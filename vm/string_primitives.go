package vm

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ---------------------------------------------------------------------------
// String natives
// ---------------------------------------------------------------------------

// Strings are immutable: every transform below allocates a new String and
// leaves its input untouched.
func registerStringNatives(n *Natives) {
	// string_new(bytes) copies a byte buffer into a new String. The caller
	// guarantees the bytes are valid UTF-8.
	n.Register("string_new", PayloadPointer, func(c *Call) Result {
		b := c.Heap().ByteArray(c.Args[0])
		return Ok(c.Heap().NewString(string(b.Bytes)))
	})

	// string_from_bytes_lossy(bytes) reads up to the first NUL byte and
	// replaces invalid UTF-8.
	n.Register("string_from_bytes_lossy", PayloadPointer, func(c *Call) Result {
		raw := c.Heap().ByteArray(c.Args[0]).Bytes
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		return Ok(c.Heap().NewString(strings.ToValidUTF8(string(raw), "�")))
	})

	n.Register("string_concat", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		var sb strings.Builder
		for _, p := range c.Args {
			sb.WriteString(h.String(p))
		}
		return Ok(h.NewString(sb.String()))
	})

	n.Register("string_drop", PayloadNone, func(c *Call) Result {
		c.Heap().Drop(c.Args[0])
		return None()
	})

	n.Register("string_to_lower", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		return Ok(h.NewString(cases.Lower(language.Und).String(h.String(c.Args[0]))))
	})

	n.Register("string_to_upper", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		return Ok(h.NewString(cases.Upper(language.Und).String(h.String(c.Args[0]))))
	})

	n.Register("string_to_byte_array", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		return Ok(h.NewByteArray([]byte(h.String(c.Args[0]))))
	})

	// string_to_float(string) yields the float's bits, or None when the text
	// is not a float. Unparsable text is absence, not failure.
	n.Register("string_to_float", PayloadFloat, func(c *Call) Result {
		f, ok := parseFloat(c.Heap().String(c.Args[0]))
		if !ok {
			return None()
		}
		return OkFloat(f)
	})

	// string_chars(string) opens a grapheme cursor over the string.
	n.Register("string_chars", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		return Ok(h.NewHandle(uniseg.NewGraphemes(h.String(c.Args[0]))))
	})

	// string_chars_next(cursor) yields the next grapheme as a new String, or
	// None once exhausted. Cursors cannot be rewound.
	n.Register("string_chars_next", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		g := h.Read(c.Args[0]).(*uniseg.Graphemes)
		if !g.Next() {
			return None()
		}
		return Ok(h.NewString(g.Str()))
	})

	n.Register("string_chars_drop", PayloadNone, func(c *Call) Result {
		c.Heap().Drop(c.Args[0])
		return None()
	})

	// string_slice_bytes(string, start, length) copies a byte range into a
	// new byte buffer. Out-of-range requests yield an empty buffer.
	n.Register("string_slice_bytes", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		s := h.String(c.Args[0])
		start := h.Integer(c.Args[1])
		length := h.Integer(c.Args[2])
		return Ok(h.NewByteArray(sliceBytes(s, start, length)))
	})
}

func sliceBytes(s string, start, length int64) []byte {
	if start < 0 || length <= 0 {
		return []byte{}
	}
	end := int64(len(s))
	if length < end-start {
		end = start + length
	}
	if start >= end {
		return []byte{}
	}
	return []byte(s[start:end])
}

// parseFloat accepts decimal and exponent notation plus the spellings
// "Infinity" and "-Infinity". Overflow saturates to an infinity.
func parseFloat(s string) (float64, bool) {
	switch s {
	case "Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	}
	// Hexadecimal floats and digit separators are not float literals here.
	if strings.ContainsAny(s, "xX_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return f, true
		}
		return 0, false
	}
	return f, true
}

// ---------------------------------------------------------------------------
// Byte array natives
// ---------------------------------------------------------------------------

func registerByteArrayNatives(n *Natives) {
	n.Register("byte_array_new", PayloadPointer, func(c *Call) Result {
		return Ok(c.Heap().NewByteArray(make([]byte, 0)))
	})

	n.Register("byte_array_length", PayloadInt, func(c *Call) Result {
		return OkInt(int64(len(c.Heap().ByteArray(c.Args[0]).Bytes)))
	})

	n.Register("byte_array_to_string", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		b := h.ByteArray(c.Args[0])
		return Ok(h.NewString(strings.ToValidUTF8(string(b.Bytes), "�")))
	})

	n.Register("byte_array_drop", PayloadNone, func(c *Call) Result {
		c.Heap().Drop(c.Args[0])
		return None()
	})
}
