package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTrack wraps the static sample track with the 20ms opus frame
// cadence the capture pipeline produces.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func (t *LocalTrack) WriteOpus(packet []byte) error {
	return t.track.WriteSample(media.Sample{
		Data:     packet,
		Duration: 20 * time.Millisecond,
	})
}
