// Package compress implements a lossy 16-bit encoding for
// float vectors.
//
// Every element takes exactly two bytes on the wire,
// halving the cost of moving float32 parameters around.
// Decoding gives back an approximation of the original
// values, never the exact values.
package compress

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// BytesPerElement is the size of one encoded element.
const BytesPerElement = 2

// A Format is a 16-bit float encoding.
type Format uint8

const (
	// BFloat16 keeps the upper half of the float32 bits.
	// The lower mantissa bits are dropped without rounding,
	// so encoding is deterministic and never overflows.
	BFloat16 Format = iota

	// Float16 is IEEE 754 half precision.
	// It is more precise than BFloat16, but values outside
	// of roughly [6e-5, 65504] lose precision or saturate.
	Float16
)

// ParseFormat parses the name of a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "bfloat16", "bf16":
		return BFloat16, nil
	case "float16", "fp16", "half":
		return Float16, nil
	}
	return 0, errors.Errorf("unknown compression format: %q", name)
}

func (f Format) String() string {
	switch f {
	case BFloat16:
		return "bfloat16"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Tolerance is the worst-case relative error of a single
// encode/decode round trip.
//
// For Float16, the bound only holds for values in the
// normal half-precision range.
func (f Format) Tolerance() float64 {
	if f == Float16 {
		return math.Ldexp(1, -10)
	}
	return math.Ldexp(1, -7)
}

// A SerializationError indicates that an encoded buffer
// does not have the size implied by its element count.
type SerializationError struct {
	Want int
	Got  int
}

func (s *SerializationError) Error() string {
	return fmt.Sprintf("compressed data has %d bytes, expected %d", s.Got, s.Want)
}

// Compress encodes a vector.
// The result has exactly len(src)*2 bytes.
func Compress[T constraints.Float](f Format, src []T) []byte {
	res := make([]byte, len(src)*BytesPerElement)
	encode(f, res, src)
	return res
}

// Decompress decodes data into dst, overwriting it.
func Decompress[T constraints.Float](f Format, dst []T, data []byte) error {
	if err := checkSize(len(dst), data); err != nil {
		return err
	}
	decode(f, dst, data, false)
	return nil
}

// Accumulate decodes data and adds it to dst.
//
// Accumulating the same data twice adds it twice.
// Since every partial sum is kept at full precision but
// each addend is rounded, summing in different orders may
// give slightly different results.
func Accumulate[T constraints.Float](f Format, dst []T, data []byte) error {
	if err := checkSize(len(dst), data); err != nil {
		return err
	}
	decode(f, dst, data, true)
	return nil
}

func checkSize(numElems int, data []byte) error {
	if len(data) != numElems*BytesPerElement {
		return &SerializationError{Want: numElems * BytesPerElement, Got: len(data)}
	}
	return nil
}

func encode[T constraints.Float](f Format, dst []byte, src []T) {
	switch f {
	case Float16:
		for i, x := range src {
			bits := float16.Fromfloat32(float32(x)).Bits()
			binary.LittleEndian.PutUint16(dst[i*BytesPerElement:], bits)
		}
	default:
		for i, x := range src {
			bits := bfloat16.FromFloat32(float32(x)).Bits()
			binary.LittleEndian.PutUint16(dst[i*BytesPerElement:], bits)
		}
	}
}

func decode[T constraints.Float](f Format, dst []T, data []byte, add bool) {
	for i := range dst {
		bits := binary.LittleEndian.Uint16(data[i*BytesPerElement:])
		var x float32
		if f == Float16 {
			x = float16.Frombits(bits).Float32()
		} else {
			x = bfloat16.FromBits(bits).Float32()
		}
		if add {
			dst[i] += T(x)
		} else {
			dst[i] = T(x)
		}
	}
}
