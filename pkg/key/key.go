// Package key defines the typed composite key used throughout the
// blockfile: a (prefix, key) pair with total, lexicographic-by-prefix
// ordering. It is grounded on the teacher's closed-variant-set pattern
// in pkg/slotcache (a fixed KeySize/IndexSize contract known at open
// time) generalized to a small set of compile-time-known key kinds.
package key

import (
	"cmp"
	"fmt"
	"math"
)

// Kind enumerates the closed set of supported key value types. The set is
// closed by design: adding a kind means widening this enum and every
// switch over it, not adding a new implementation of an open interface.
type Kind uint8

const (
	// KindInvalid marks a zero-value Value; comparing or encoding it panics.
	KindInvalid Kind = iota
	KindString
	KindUint32
	KindFloat32
	KindInt32
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindUint32:
		return "u32"
	case KindFloat32:
		return "f32"
	case KindInt32:
		return "i32"
	default:
		return "invalid"
	}
}

// Value is a typed key component. The zero Value is invalid; construct one
// with String, Uint32, Float32, or Int32.
type Value struct {
	kind Kind
	str  string
	bits uint32 // u32: literal; i32/f32: order-preserving transform
}

// String constructs a string-typed Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Uint32 constructs a u32-typed Value.
func Uint32(v uint32) Value { return Value{kind: KindUint32, bits: v} }

// Int32 constructs an i32-typed Value. Internally stored with its sign bit
// flipped so unsigned comparison of the transformed bits matches signed
// integer order.
func Int32(v int32) Value { return Value{kind: KindInt32, bits: uint32(v) ^ 0x8000_0000} }

// Float32 constructs an f32-typed Value using an order-preserving bit
// transform: for non-negative floats, flip the sign bit; for negative
// floats, flip all bits. This makes two distinct NaN bit patterns compare
// as distinct-but-total, satisfying the requirement that NaN keys compare
// by bit pattern without breaking totality for ordinary floats.
func Float32(v float32) Value {
	b := math.Float32bits(v)
	if b&0x8000_0000 != 0 {
		b = ^b
	} else {
		b |= 0x8000_0000
	}
	return Value{kind: KindFloat32, bits: b}
}

// MinValue returns the least possible Value of the given kind under Compare
// — the empty string for KindString, and the all-zero-bits representation
// for the numeric kinds (which, thanks to the order-preserving transforms
// above, is also their true minimum). Used to seed range scans that need a
// lower bound without committing to a specific key, such as a prefix scan's
// "every key under this prefix" query.
func MinValue(kind Kind) Value {
	if kind == KindString {
		return Value{kind: KindString, str: ""}
	}
	return Value{kind: kind, bits: 0}
}

// Kind reports the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the underlying string; panics if Kind() != KindString.
func (v Value) AsString() string {
	if v.kind != KindString {
		panic(fmt.Sprintf("key: AsString on %s value", v.kind))
	}
	return v.str
}

// AsUint32 returns the underlying u32; panics if Kind() != KindUint32.
func (v Value) AsUint32() uint32 {
	if v.kind != KindUint32 {
		panic(fmt.Sprintf("key: AsUint32 on %s value", v.kind))
	}
	return v.bits
}

// AsInt32 returns the underlying i32; panics if Kind() != KindInt32.
func (v Value) AsInt32() int32 {
	if v.kind != KindInt32 {
		panic(fmt.Sprintf("key: AsInt32 on %s value", v.kind))
	}
	return int32(v.bits ^ 0x8000_0000)
}

// AsFloat32 returns the underlying f32; panics if Kind() != KindFloat32.
func (v Value) AsFloat32() float32 {
	if v.kind != KindFloat32 {
		panic(fmt.Sprintf("key: AsFloat32 on %s value", v.kind))
	}
	b := v.bits
	if b&0x8000_0000 != 0 {
		b &^= 0x8000_0000
	} else {
		b = ^b
	}
	return math.Float32frombits(b)
}

// Compare orders two Values of the same Kind. Comparing Values of different
// kinds panics: a blockfile is opened with one key kind for its lifetime, so
// a mismatch is a programming error, not a runtime condition to recover from.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		panic(fmt.Sprintf("key: comparing %s to %s", v.kind, o.kind))
	}
	switch v.kind {
	case KindString:
		return cmp.Compare(v.str, o.str)
	default:
		return cmp.Compare(v.bits, o.bits)
	}
}

// Composite is a (prefix, key) pair: the unit of ordering and lookup in a
// blockfile. Ordering is prefix-primary, then by the typed key.
type Composite struct {
	Prefix string
	Key    Value
}

// New builds a Composite key.
func New(prefix string, k Value) Composite { return Composite{Prefix: prefix, Key: k} }

// Compare orders two Composite keys: prefix first (byte-wise), then Key.
// Both sides must carry the same Key Kind (or be otherwise incomparable,
// which panics via Value.Compare).
func (c Composite) Compare(o Composite) int {
	if d := cmp.Compare(c.Prefix, o.Prefix); d != 0 {
		return d
	}
	return c.Key.Compare(o.Key)
}

// Less reports whether c sorts strictly before o.
func (c Composite) Less(o Composite) bool { return c.Compare(o) < 0 }

// HasPrefix reports whether c's prefix matches exactly (prefix scans operate
// on the Prefix field as a whole unit, not a byte-prefix of it).
func (c Composite) HasPrefix(prefix string) bool { return c.Prefix == prefix }
