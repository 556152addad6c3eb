package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opusRates = []int{8000, 12000, 16000, 24000, 48000}

func sine(n int, freq, rate float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / rate))
	}
	return out
}

func TestIdentity(t *testing.T) {
	for _, rate := range opusRates {
		r := New(rate, rate)
		in := sine(960, 440, float64(rate))
		out := r.Process(in)
		require.Len(t, out, len(in))
		for i := range in {
			assert.Equal(t, in[i], out[i])
		}
	}
}

func TestEmptyChunk(t *testing.T) {
	r := New(48000, 16000)
	assert.Empty(t, r.Process(nil))
	assert.Empty(t, r.Process([]float32{}))

	// state must survive an empty chunk
	first := r.Process(sine(480, 200, 48000))
	assert.Empty(t, r.Process(nil))
	second := r.Process(sine(480, 200, 48000))
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
}

func TestOutputLengthRoughlyMatchesRatio(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		in       int
		want     int
	}{
		{"downsample 48k to 16k", 48000, 16000, 960, 320},
		{"downsample 48k to 8k", 48000, 8000, 960, 160},
		{"upsample 8k to 48k", 8000, 48000, 160, 960},
		{"upsample 24k to 48k", 24000, 48000, 480, 960},
		{"non-integer ratio 44.1k to 48k", 44100, 48000, 441, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.from, tt.to)
			// feed several chunks so carried state settles
			total := 0
			for i := 0; i < 10; i++ {
				total += len(r.Process(sine(tt.in, 300, float64(tt.from))))
			}
			// up to one output step can still be pending at the final
			// chunk boundary
			tol := float64(tt.to)/float64(tt.from) + 1
			assert.InDelta(t, tt.want*10, total, tol)
		})
	}
}

// Chunked processing must be bit-identical to one-shot processing of the
// concatenated input, for every supported rate pair in both directions.
// Uneven chunk sizes deliberately leave the phase mid-step at boundaries.
func TestContinuityAcrossChunks(t *testing.T) {
	for _, from := range opusRates {
		for _, to := range opusRates {
			if from == to {
				continue
			}
			in := sine(from/10, 440, float64(from)) // 100ms

			whole := New(from, to).Process(in)

			chunked := New(from, to)
			var got []float32
			for _, size := range []int{7, 256, 31, 480, 1} {
				if size > len(in) {
					size = len(in)
				}
				got = append(got, chunked.Process(in[:size])...)
				in = in[size:]
			}
			got = append(got, chunked.Process(in)...)

			require.Equal(t, len(whole), len(got), "from=%d to=%d", from, to)
			assert.Equal(t, whole, got, "from=%d to=%d", from, to)
		}
	}
}

func TestNoDiscontinuityAtBoundary(t *testing.T) {
	// a pure ramp must stay a ramp through the resampler, chunked or not
	r := New(44100, 48000)
	ramp := make([]float32, 4410)
	for i := range ramp {
		ramp[i] = float32(i) / float32(len(ramp))
	}

	var out []float32
	out = append(out, r.Process(ramp[:2205])...)
	out = append(out, r.Process(ramp[2205:])...)

	for i := 1; i < len(out); i++ {
		step := out[i] - out[i-1]
		assert.InDelta(t, 1.0/4800.0, float64(step), 1e-4, "jump at output sample %d", i)
	}
}
