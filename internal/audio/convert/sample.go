package convert

import "encoding/binary"

// S16BytesToFloat32 converts interleaved little-endian signed 16-bit PCM,
// as delivered by the hardware callback, to float32 samples in [-1, 1].
func S16BytesToFloat32(src []byte) []float32 {
	dst := make([]float32, len(src)/2)
	for i := range dst {
		s := int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
		dst[i] = float32(s) / 32767.0
	}
	return dst
}

// Float32ToS16Bytes writes float32 samples into dst as little-endian signed
// 16-bit PCM, clamping to [-1, 1]. It writes min(len(src), len(dst)/2)
// samples and returns the number of bytes written.
func Float32ToS16Bytes(src []float32, dst []byte) int {
	n := len(src)
	if m := len(dst) / 2; n > m {
		n = m
	}
	for i := 0; i < n; i++ {
		v := src[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(int16(v*32767)))
	}
	return n * 2
}

// DownmixMono reduces interleaved multi-channel audio to mono by decimation,
// keeping the first channel of each frame. Mono input is returned as is.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	mono := make([]float32, 0, len(samples)/channels)
	for i := 0; i < len(samples); i += channels {
		mono = append(mono, samples[i])
	}
	return mono
}
