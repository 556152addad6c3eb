package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestS16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	buf := make([]byte, len(in)*2)
	n := Float32ToS16Bytes(in, buf)
	assert.Equal(t, len(buf), n)

	out := S16BytesToFloat32(buf)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/32767)
	}
}

func TestFloat32ToS16BytesClamps(t *testing.T) {
	buf := make([]byte, 4)
	Float32ToS16Bytes([]float32{2.5, -3}, buf)
	out := S16BytesToFloat32(buf)
	assert.InDelta(t, 1.0, out[0], 1e-4)
	assert.InDelta(t, -1.0, out[1], 1e-4)
}

func TestFloat32ToS16BytesShortDst(t *testing.T) {
	buf := make([]byte, 2)
	n := Float32ToS16Bytes([]float32{0.1, 0.2, 0.3}, buf)
	assert.Equal(t, 2, n)
}

func TestDownmixMono(t *testing.T) {
	t.Run("stereo keeps left channel", func(t *testing.T) {
		in := []float32{1, 2, 3, 4, 5, 6}
		assert.Equal(t, []float32{1, 3, 5}, DownmixMono(in, 2))
	})
	t.Run("mono passthrough", func(t *testing.T) {
		in := []float32{1, 2, 3}
		assert.Equal(t, in, DownmixMono(in, 1))
	})
}
