package encoder

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const maxPacketSize = 4000 // max opus packet size

// OpusEncoder encodes fixed-size mono float32 frames into opus packets.
type OpusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	channels   int
}

func New(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	if err := enc.SetDTX(true); err != nil {
		return nil, fmt.Errorf("failed to enable DTX: %w", err)
	}

	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Encode encodes one frame of samples in [-1, 1]. The frame length must be
// a valid opus frame size for the encoder's sample rate (960 for 20ms at
// 48kHz). A nil packet with nil error means DTX decided there is no voice.
func (e *OpusEncoder) Encode(frame []float32) ([]byte, error) {
	out := make([]byte, maxPacketSize)
	n, err := e.enc.EncodeFloat32(frame, out)
	if err != nil {
		return nil, err
	}

	if n < 3 {
		// very small packet, likely DTX/no voice
		return nil, nil
	}

	packet := make([]byte, n)
	copy(packet, out[:n])
	return packet, nil
}
