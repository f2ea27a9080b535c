package compress

import (
	"golang.org/x/exp/constraints"
)

// A Tensor is a fixed-length compressed buffer.
//
// Ranges of the buffer can be encoded, decoded and read
// independently, so a vector can be compressed once and
// then published piece by piece without copying.
//
// A Tensor is not safe for concurrent writes to
// overlapping ranges.
type Tensor[T constraints.Float] struct {
	format Format
	buf    []byte
}

// NewTensor creates a zeroed Tensor of the given length.
func NewTensor[T constraints.Float](f Format, length int) *Tensor[T] {
	return &Tensor[T]{format: f, buf: make([]byte, length*BytesPerElement)}
}

// Format returns the Tensor's encoding.
func (t *Tensor[T]) Format() Format {
	return t.format
}

// Len returns the number of elements.
func (t *Tensor[T]) Len() int {
	return len(t.buf) / BytesPerElement
}

// Compress encodes src[offset:offset+length] into the
// same range of the Tensor and returns the encoded bytes.
//
// The returned slice aliases the Tensor.
func (t *Tensor[T]) Compress(src []T, offset, length int) []byte {
	t.checkRange(offset, length)
	out := t.Bytes(offset, length)
	encode(t.format, out, src[offset:offset+length])
	return out
}

// Bytes returns the encoded bytes for a range of
// elements, without copying.
func (t *Tensor[T]) Bytes(offset, length int) []byte {
	t.checkRange(offset, length)
	start := offset * BytesPerElement
	return t.buf[start : start+length*BytesPerElement]
}

// DecompressInto overwrites dst[offset:offset+length]
// with the decoded range.
func (t *Tensor[T]) DecompressInto(dst []T, offset, length int) {
	t.checkRange(offset, length)
	decode(t.format, dst[offset:offset+length], t.Bytes(offset, length), false)
}

// AddInto decodes a range and adds it to
// dst[offset:offset+length].
//
// Like Accumulate, calling this twice counts the range
// twice.
func (t *Tensor[T]) AddInto(dst []T, offset, length int) {
	t.checkRange(offset, length)
	decode(t.format, dst[offset:offset+length], t.Bytes(offset, length), true)
}

// Load replaces the whole buffer with encoded data, such
// as a block received from a peer.
func (t *Tensor[T]) Load(data []byte) error {
	if len(data) != len(t.buf) {
		return &SerializationError{Want: len(t.buf), Got: len(data)}
	}
	copy(t.buf, data)
	return nil
}

func (t *Tensor[T]) checkRange(offset, length int) {
	if offset < 0 || length < 0 || offset+length > t.Len() {
		panic("range out of bounds")
	}
}
