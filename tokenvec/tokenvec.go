// Package tokenvec provides a compact owned token-id sequence used
// throughout the control core wherever a prompt, generated suffix, or
// radix edge needs cheap slicing and comparison.
package tokenvec

import "slices"

// TokenId is the wire-level token identifier, matching the i32
// buffers exchanged with the GPU executor and tokenizer.
type TokenId = uint32

// Vec is an owned, contiguous sequence of TokenIds. The zero value is
// an empty vector.
type Vec []TokenId

// New copies ids into a freshly owned Vec.
func New(ids ...TokenId) Vec {
	return slices.Clone(Vec(ids))
}

// Len returns the number of tokens.
func (v Vec) Len() int {
	return len(v)
}

// Slice returns a sub-sequence [start, end) without copying.
func (v Vec) Slice(start, end int) Vec {
	return v[start:end]
}

// Append returns a new Vec with ids appended, copying if necessary to
// avoid aliasing the receiver's backing array.
func (v Vec) Append(ids ...TokenId) Vec {
	out := make(Vec, len(v)+len(ids))
	copy(out, v)
	copy(out[len(v):], ids)
	return out
}

// Clone returns an independently owned copy.
func (v Vec) Clone() Vec {
	return slices.Clone(v)
}

// CommonPrefixLen returns the length of the shared leading run between
// v and other.
func (v Vec) CommonPrefixLen(other Vec) int {
	n := min(len(v), len(other))
	for i := 0; i < n; i++ {
		if v[i] != other[i] {
			return i
		}
	}
	return n
}

// Equal reports whether v and other hold the same tokens in the same
// order.
func (v Vec) Equal(other Vec) bool {
	return slices.Equal(v, other)
}

// First returns the first token and true, or zero and false if empty.
func (v Vec) First() (TokenId, bool) {
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}
