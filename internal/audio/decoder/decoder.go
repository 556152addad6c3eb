package decoder

import (
	"gopkg.in/hraban/opus.v2"
)

const maxFrameSamples = 2880 // 60ms at 48kHz, the largest opus frame

// OpusDecoder decodes opus packets into mono float32 samples.
type OpusDecoder struct {
	dec        *opus.Decoder
	sampleRate int
	channels   int
}

func New(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Decode decodes one opus packet into samples in [-1, 1].
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	buf := make([]float32, maxFrameSamples*d.channels)
	n, err := d.dec.DecodeFloat32(packet, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n*d.channels], nil
}
