package compress

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVector(n int, scale float64) []float64 {
	res := make([]float64, n)
	for i := range res {
		res[i] = rand.NormFloat64() * scale
	}
	return res
}

func assertWithinTolerance[T float32 | float64](t *testing.T, f Format, expected, actual []T) {
	require.Equal(t, len(expected), len(actual))
	tol := f.Tolerance() * (1 + 1e-6)
	for i, x := range expected {
		diff := math.Abs(float64(x) - float64(actual[i]))
		// Half-precision subnormals have a fixed absolute
		// spacing of 2^-24.
		if diff > tol*math.Abs(float64(x))+math.Ldexp(1, -24) {
			t.Errorf("element %d: %v decoded as %v (error %e)", i, x, actual[i], diff)
			return
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []Format{BFloat16, Float16} {
		for _, size := range []int{0, 1, 1337} {
			t.Run(fmt.Sprintf("%s,Size=%d", f, size), func(t *testing.T) {
				vec := randomVector(size, 10)
				data := Compress(f, vec)
				require.Len(t, data, size*BytesPerElement)

				out := make([]float64, size)
				for i := range out {
					out[i] = 1e9
				}
				require.NoError(t, Decompress(f, out, data))
				assertWithinTolerance(t, f, vec, out)

				vec32 := make([]float32, size)
				for i, x := range vec {
					vec32[i] = float32(x)
				}
				out32 := make([]float32, size)
				require.NoError(t, Decompress(f, out32, Compress(f, vec32)))
				assertWithinTolerance(t, f, vec32, out32)
			})
		}
	}
}

func TestCompressDeterministic(t *testing.T) {
	vec := randomVector(500, 3)
	for _, f := range []Format{BFloat16, Float16} {
		assert.Equal(t, Compress(f, vec), Compress(f, vec))
	}
}

func TestBFloat16Truncates(t *testing.T) {
	// 1 + 2^-8 is not representable and must truncate to 1
	// rather than round.
	x := float32(1 + math.Ldexp(1, -8) + math.Ldexp(1, -9))
	out := make([]float32, 1)
	require.NoError(t, Decompress(BFloat16, out, Compress(BFloat16, []float32{x})))
	assert.Equal(t, float32(1), out[0])
}

func TestAccumulateNotIdempotent(t *testing.T) {
	for _, f := range []Format{BFloat16, Float16} {
		t.Run(f.String(), func(t *testing.T) {
			vec := randomVector(100, 1)
			data := Compress(f, vec)

			decoded := make([]float64, len(vec))
			require.NoError(t, Decompress(f, decoded, data))

			acc := make([]float64, len(vec))
			require.NoError(t, Accumulate(f, acc, data))
			require.NoError(t, Accumulate(f, acc, data))
			for i, x := range decoded {
				assert.Equal(t, 2*x, acc[i], "element %d", i)
			}
		})
	}
}

func TestSerializationError(t *testing.T) {
	dst := make([]float32, 4)
	err := Decompress(BFloat16, dst, make([]byte, 7))
	var se *SerializationError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 8, se.Want)
	assert.Equal(t, 7, se.Got)

	err = Accumulate(Float16, dst, make([]byte, 10))
	require.True(t, errors.As(err, &se))

	tensor := NewTensor[float32](BFloat16, 4)
	require.Error(t, tensor.Load(make([]byte, 6)))
}

func TestParseFormat(t *testing.T) {
	for name, expected := range map[string]Format{
		"":         BFloat16,
		"bfloat16": BFloat16,
		"BF16":     BFloat16,
		"float16":  Float16,
		"fp16":     Float16,
	} {
		f, err := ParseFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, expected, f, name)
	}
	_, err := ParseFormat("int8")
	assert.Error(t, err)

	var f Format
	require.NoError(t, f.UnmarshalText([]byte("float16")))
	assert.Equal(t, Float16, f)
	text, err := f.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "float16", string(text))
}
